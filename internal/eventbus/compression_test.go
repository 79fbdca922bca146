// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	body := []byte(`{"id":"abc","topic":"test.event1"}`)

	t.Run("below threshold stays uncompressed", func(t *testing.T) {
		frame, err := encodeFrame(body, 1024, "application/json")
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		if frame[1] != 0 {
			t.Errorf("compressed flag = %d, want 0", frame[1])
		}
		header, decoded, err := decodeFrame(frame)
		if err != nil {
			t.Fatalf("decodeFrame: %v", err)
		}
		if header.Compressed {
			t.Error("header.Compressed = true, want false")
		}
		if header.ContentType != "application/json" {
			t.Errorf("header.ContentType = %q", header.ContentType)
		}
		if !bytes.Equal(decoded, body) {
			t.Errorf("decoded = %q, want %q", decoded, body)
		}
	})

	t.Run("above threshold compresses", func(t *testing.T) {
		big := []byte(strings.Repeat("x", 4096))
		frame, err := encodeFrame(big, 10, "text/plain")
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		if frame[1] != 1 {
			t.Errorf("compressed flag = %d, want 1", frame[1])
		}
		if len(frame) >= len(big) {
			t.Errorf("compressed frame (%d bytes) not smaller than input (%d bytes)", len(frame), len(big))
		}
		header, decoded, err := decodeFrame(frame)
		if err != nil {
			t.Fatalf("decodeFrame: %v", err)
		}
		if !header.Compressed {
			t.Error("header.Compressed = false, want true")
		}
		if !bytes.Equal(decoded, big) {
			t.Error("decoded payload does not match original")
		}
	})

	t.Run("negative threshold disables compression", func(t *testing.T) {
		frame, err := encodeFrame(body, -1, "application/json")
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		if frame[1] != 0 {
			t.Errorf("compressed flag = %d, want 0", frame[1])
		}
	})
}

func TestDecodeFrameRejectsBadVersion(t *testing.T) {
	frame := []byte{99, 0, 0, 0}
	if _, _, err := decodeFrame(frame); err == nil {
		t.Error("expected error for unsupported frame version")
	}
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	if _, _, err := decodeFrame([]byte{1, 0}); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestBrokerChannelFormat(t *testing.T) {
	if got := brokerChannel("tenant-a", "test.event1"); got != "tenant-a:test.event1" {
		t.Errorf("brokerChannel = %q, want tenant-a:test.event1", got)
	}
}
