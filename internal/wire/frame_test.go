package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadFramesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := [][]byte{[]byte("identity"), []byte(""), []byte(`{"cmd":"status"}`)}

	if err := WriteFrames(&buf, want...); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}

	got, err := ReadFrames(&buf)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscriptionNotificationRoundTrip(t *testing.T) {
	frame := EncodeSubscribe("Linux")
	sub, prefix, ok := DecodeNotification(frame)
	if !ok || !sub || prefix != "Linux" {
		t.Fatalf("subscribe decode = (%v, %q, %v), want (true, Linux, true)", sub, prefix, ok)
	}

	frame = EncodeUnsubscribe("")
	sub, prefix, ok = DecodeNotification(frame)
	if !ok || sub || prefix != "" {
		t.Fatalf("unsubscribe decode = (%v, %q, %v), want (false, \"\", true)", sub, prefix, ok)
	}
}

func TestReadFramesOnEmptyReaderReturnsEOF(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ReadFrames(&buf); err == nil {
		t.Fatalf("expected error reading from empty buffer")
	}
}
