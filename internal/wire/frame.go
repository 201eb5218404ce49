// Package wire implements a small multi-frame message transport over plain
// TCP: each logical message is an explicit sequence of length-prefixed
// byte frames, sent and received as one unit. Endpoints use three frames
// on intake, two on fan-out/result-publisher, and one on sink/management.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// maxFrameLen guards against a corrupt or hostile peer driving an
// unbounded allocation via a bogus length prefix.
const maxFrameLen = 64 << 20 // 64 MiB

// WriteFrames sends a message as an atomic sequence of frames: a uint16
// frame count, then for each frame a uint32 length followed by its bytes.
func WriteFrames(w io.Writer, frames ...[]byte) error {
	if len(frames) == 0 || len(frames) > 0xFFFF {
		return fmt.Errorf("wire: invalid frame count %d", len(frames))
	}

	bw := bufio.NewWriter(w)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(frames)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}

	for _, f := range frames {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(f); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFrames blocks until a complete message is available on r and returns
// its frames. It returns the underlying read error (including io.EOF)
// unmodified so callers can distinguish a clean disconnect from a timeout.
func ReadFrames(r io.Reader) ([][]byte, error) {
	var countBuf [2]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint16(countBuf[:])

	frames := make([][]byte, 0, count)
	for i := uint16(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameLen {
			return nil, fmt.Errorf("wire: frame length %d exceeds limit", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frames = append(frames, buf)
	}
	return frames, nil
}

// subscription notification markers: a one-frame message whose first byte
// signals subscribe/unsubscribe, followed by the subscribed prefix.
const (
	notifySubscribe   byte = 0x01
	notifyUnsubscribe byte = 0x00
)

// EncodeSubscribe builds the one-frame subscribe notification for prefix.
func EncodeSubscribe(prefix string) []byte {
	return append([]byte{notifySubscribe}, prefix...)
}

// EncodeUnsubscribe builds the one-frame unsubscribe notification for prefix.
func EncodeUnsubscribe(prefix string) []byte {
	return append([]byte{notifyUnsubscribe}, prefix...)
}

// DecodeNotification parses a subscription notification frame. ok is false
// if frame does not look like a notification (empty, or a first byte other
// than 0x01/0x00).
func DecodeNotification(frame []byte) (subscribe bool, prefix string, ok bool) {
	if len(frame) == 0 {
		return false, "", false
	}
	switch frame[0] {
	case notifySubscribe:
		return true, string(frame[1:]), true
	case notifyUnsubscribe:
		return false, string(frame[1:]), true
	default:
		return false, "", false
	}
}

// DialTimeout is a thin wrapper over net.DialTimeout kept here so callers
// in client/broker/agent code all go through one seam for connection setup.
func DialTimeout(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}
