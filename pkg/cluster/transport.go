package cluster

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// Transport is the socket I/O task's interface to the orchestrator: the
// socket is owned by the I/O task, the engine owns all tables. cmd/oxend
// supplies a real net.PacketConn-backed implementation; tests use an
// in-memory fake.
type Transport interface {
	SendTo(addr string, frame []byte) error
}

// frameMagic distinguishes raw parcel frames from xz-compressed ones on
// the wire. This is a transport-level concern layered outside the parcel
// encoding itself: XENC has no room for a compression flag without
// breaking its canonical round-trip invariant, so the flag is a one-byte
// prefix added after encoding and stripped before decoding.
type frameMagic byte

const (
	frameRaw        frameMagic = 0x00
	frameCompressed frameMagic = 0x01

	// compressThreshold is the encoded-parcel size above which the send
	// path tries xz compression. Below it, the header and xz's own fixed
	// costs would just make the datagram bigger.
	compressThreshold = 256
)

// frameOutbound wraps an encoded parcel for the wire, compressing it with
// xz when that's likely to shrink it, and falling back to an uncompressed
// frame if compression doesn't actually help (small or already-dense
// payloads, e.g. short control parcels).
func frameOutbound(encoded []byte) ([]byte, error) {
	if len(encoded) < compressThreshold {
		return append([]byte{byte(frameRaw)}, encoded...), nil
	}

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("cluster: xz writer: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("cluster: xz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cluster: xz close: %w", err)
	}

	if buf.Len()+1 >= len(encoded)+1 {
		return append([]byte{byte(frameRaw)}, encoded...), nil
	}
	return append([]byte{byte(frameCompressed)}, buf.Bytes()...), nil
}

// parseInbound strips and interprets the frame header, returning the
// encoded parcel bytes ready for oxen.Decode.
func parseInbound(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("cluster: empty datagram")
	}
	switch frameMagic(frame[0]) {
	case frameRaw:
		return frame[1:], nil
	case frameCompressed:
		r, err := xz.NewReader(bytes.NewReader(frame[1:]))
		if err != nil {
			return nil, fmt.Errorf("cluster: xz reader: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("cluster: xz decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cluster: unrecognized frame magic 0x%02x", frame[0])
	}
}
