package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded frame (header + JSON body):
// payloads run up to 1 MiB, and this leaves generous headroom for
// metadata and JSON overhead while still rejecting a corrupt or
// malicious length prefix before allocating memory for it.
const MaxFrameSize = 8 * 1024 * 1024

// Encode writes one length-prefixed frame to w: a 4-byte big-endian length
// followed by the frame's JSON encoding.
func Encode(w io.Writer, f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("frame: marshal: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame: encoded size %d exceeds max %d", len(body), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("frame: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("frame: write body: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed frame from r.
func Decode(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // may be io.EOF; caller treats as stream end
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame: declared size %d exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("frame: read body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("frame: unmarshal: %w", err)
	}
	return &f, nil
}
