// Package svcexec resolves the platform's service(8)-style utility and
// spawns it as a subprocess, capturing exit code, stdout, and stderr.
// Callers never see os/exec directly; they get a small Invoker interface
// so agent code can be tested without spawning real processes.
package svcexec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/arborix/svcmesh/internal/hostinfo"
)

// ErrNoServiceUtility is returned when the platform's service-control
// binary could not be located. The caller should report the failure
// without ever spawning a process.
var ErrNoServiceUtility = errors.New("unable to determine location to service(8)")

// Invoker executes a service-control command and reports its outcome.
type Invoker interface {
	Invoke(ctx context.Context, service, cmd string) (returnCode int, stdout, stderr string, err error)
}

// OSInvoker is the production Invoker, backed by the real platform binary.
type OSInvoker struct {
	binary   string
	resolved bool
}

// NewOSInvoker resolves the service-control binary for the running
// platform once at construction time.
func NewOSInvoker() *OSInvoker {
	binary, ok := resolveBinary(hostinfo.Family())
	return &OSInvoker{binary: binary, resolved: ok}
}

// Invoke spawns "<binary> <service> <cmd>" and captures its output to
// completion. Never fatal: execution failures are reported in the return
// values, not as a process-ending error.
func (o *OSInvoker) Invoke(ctx context.Context, service, cmd string) (int, string, string, error) {
	if !o.resolved {
		return 0, "", "", ErrNoServiceUtility
	}

	command := exec.CommandContext(ctx, o.binary, service, cmd)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	runErr := command.Run()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return 0, stdout.String(), stderr.String(), nil
	case errors.As(runErr, &exitErr):
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	default:
		// The binary could not even be started (permissions, removed
		// between resolution and invocation, etc).
		return -1, stdout.String(), stderr.String(), runErr
	}
}

// resolveBinary locates the service-control utility for family, trying the
// known BSD path or, on Linux, the distribution-specific path followed by
// the systemd fallback.
func resolveBinary(family string) (string, bool) {
	var candidates []string
	switch family {
	case "FreeBSD", "OpenBSD", "NetBSD":
		candidates = []string{"/usr/sbin/service"}
	case "Linux":
		candidates = []string{"/usr/sbin/service", "/bin/systemctl", "/usr/bin/systemctl"}
	default:
		candidates = []string{"/usr/sbin/service"}
	}

	for _, c := range candidates {
		if fileExecutable(c) {
			return c, true
		}
	}
	return "", false
}

func fileExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
