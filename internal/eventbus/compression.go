// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeader precedes every payload relayed through the broker:
// version(1) | compressed(1) | contentType-length(2, BE) | contentType.
const frameVersion byte = 1

type frameHeader struct {
	Compressed  bool
	ContentType string
}

// encodeFrame compresses body with gzip when it exceeds threshold and
// wraps it with frameHeader. Local delivery never calls this — only the
// broker relay path does.
func encodeFrame(body []byte, threshold int, contentType string) ([]byte, error) {
	compressed := threshold >= 0 && len(body) > threshold
	payload := body
	if compressed {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		payload = buf.Bytes()
	}

	var out bytes.Buffer
	out.WriteByte(frameVersion)
	if compressed {
		out.WriteByte(1)
	} else {
		out.WriteByte(0)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(contentType)))
	out.Write(lenBuf[:])
	out.WriteString(contentType)
	out.Write(payload)
	return out.Bytes(), nil
}

// decodeFrame reverses encodeFrame, decompressing the body if the header
// says it was compressed.
func decodeFrame(data []byte) (frameHeader, []byte, error) {
	if len(data) < 4 {
		return frameHeader{}, nil, fmt.Errorf("eventbus: frame too short (%d bytes)", len(data))
	}
	version := data[0]
	if version != frameVersion {
		return frameHeader{}, nil, fmt.Errorf("eventbus: unsupported frame version %d", version)
	}
	compressed := data[1] == 1
	ctLen := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+ctLen {
		return frameHeader{}, nil, fmt.Errorf("eventbus: frame truncated content-type")
	}
	contentType := string(data[4 : 4+ctLen])
	body := data[4+ctLen:]

	if compressed {
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return frameHeader{}, nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return frameHeader{}, nil, fmt.Errorf("gzip read: %w", err)
		}
		body = decoded
	}

	return frameHeader{Compressed: compressed, ContentType: contentType}, body, nil
}

// brokerChannel formats the wire-level channel name for namespace/topic,
// fixed per design note as "<namespace>:<topic>" — distinct from the
// internal history and per-topic keys, which join namespace and topic
// with a unit separator.
func brokerChannel(namespace, topic string) string {
	return namespace + ":" + topic
}
