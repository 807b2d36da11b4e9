package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame, header included. Anything larger is a
// protocol violation and aborts the connection.
const MaxFrameSize = 16 << 20 // 16 MiB

// frameV2 marks the current framing mode. Legacy frames begin with the
// big-endian length of a JSON body; with the size cap in place the first
// byte of a legacy frame is always 0x00 or 0x01, so 0x02 is unambiguous.
const frameV2 byte = 0x02

const (
	legacyHeaderLen = 4
	v2HeaderLen     = 5
)

var (
	// ErrFrameTooLarge is fatal: the peer announced a frame over MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds 16 MiB limit")
	// ErrInvalidFrame is fatal: the byte stream is not a recognizable frame.
	ErrInvalidFrame = errors.New("wire: invalid frame")
)

// Mode selects the egress framing for one connection. Ingress always accepts
// both.
type Mode int

const (
	ModeLegacy Mode = iota // 4-byte length + JSON
	ModeV2                 // version byte + 4-byte length + codec tag + body
)

// AppendFrame encodes env and appends the complete frame to dst.
func AppendFrame(dst []byte, env *Envelope, mode Mode, codec Codec) ([]byte, error) {
	switch mode {
	case ModeLegacy:
		body, err := (JSONCodec{}).Marshal(env)
		if err != nil {
			return nil, err
		}
		if legacyHeaderLen+len(body) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		var hdr [legacyHeaderLen]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
		dst = append(dst, hdr[:]...)
		return append(dst, body...), nil

	case ModeV2:
		if codec == nil {
			codec = JSONCodec{}
		}
		body, err := codec.Marshal(env)
		if err != nil {
			return nil, err
		}
		// Length counts the codec tag plus the body.
		if v2HeaderLen+1+len(body) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		var hdr [v2HeaderLen]byte
		hdr[0] = frameV2
		binary.BigEndian.PutUint32(hdr[1:], uint32(1+len(body)))
		dst = append(dst, hdr[:]...)
		dst = append(dst, codec.Tag())
		return append(dst, body...), nil
	}
	return nil, fmt.Errorf("wire: unknown frame mode %d", mode)
}

// Decoder is a streaming frame parser. Feed it raw socket bytes; it emits
// complete envelopes one at a time and keeps partial frames buffered.
// Both framing modes are accepted on the same stream.
type Decoder struct {
	buf bytes.Buffer

	lastMode  Mode
	lastCodec Codec
}

// LastMode reports the framing mode of the most recently decoded frame.
// Connections mirror it on egress so each peer converses in its own dialect.
func (d *Decoder) LastMode() Mode { return d.lastMode }

// LastCodec reports the codec of the most recently decoded v2 frame; JSON for
// legacy frames.
func (d *Decoder) LastCodec() Codec {
	if d.lastCodec == nil {
		return JSONCodec{}
	}
	return d.lastCodec
}

// Decode appends p to the internal buffer and returns every envelope that is
// now complete. Any returned error is fatal to the stream.
func (d *Decoder) Decode(p []byte) ([]*Envelope, error) {
	d.buf.Write(p)

	var out []*Envelope
	for {
		env, err := d.next()
		if err != nil {
			return out, err
		}
		if env == nil {
			return out, nil
		}
		out = append(out, env)
	}
}

// Buffered returns the number of bytes waiting for frame completion.
func (d *Decoder) Buffered() int { return d.buf.Len() }

func (d *Decoder) next() (*Envelope, error) {
	data := d.buf.Bytes()
	if len(data) == 0 {
		return nil, nil
	}

	switch {
	case data[0] == frameV2:
		if len(data) < v2HeaderLen {
			return nil, nil
		}
		length := binary.BigEndian.Uint32(data[1:v2HeaderLen])
		if v2HeaderLen+int(length) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if length < 1 {
			return nil, fmt.Errorf("%w: empty v2 frame", ErrInvalidFrame)
		}
		if len(data) < v2HeaderLen+int(length) {
			return nil, nil
		}
		body := data[v2HeaderLen : v2HeaderLen+int(length)]
		codec, err := codecByTag(body[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		env := new(Envelope)
		if err := codec.Unmarshal(body[1:], env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		d.buf.Next(v2HeaderLen + int(length))
		d.lastMode = ModeV2
		d.lastCodec = codec
		return env, nil

	case data[0] <= 0x01:
		if len(data) < legacyHeaderLen {
			return nil, nil
		}
		length := binary.BigEndian.Uint32(data[:legacyHeaderLen])
		if legacyHeaderLen+int(length) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if len(data) < legacyHeaderLen+int(length) {
			return nil, nil
		}
		body := data[legacyHeaderLen : legacyHeaderLen+int(length)]
		env := new(Envelope)
		if err := (JSONCodec{}).Unmarshal(body, env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		d.buf.Next(legacyHeaderLen + int(length))
		d.lastMode = ModeLegacy
		d.lastCodec = JSONCodec{}
		return env, nil

	default:
		return nil, fmt.Errorf("%w: unexpected leading byte 0x%02x", ErrInvalidFrame, data[0])
	}
}

// Writer batches outbound envelopes and flushes them as a single write.
// ACK storms and broadcast fan-outs arrive in bursts; coalescing turns a
// burst into one syscall without reordering anything.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	mode    Mode
	codec   Codec
	pending []byte
}

// NewWriter creates a coalescing writer in the given egress mode.
func NewWriter(w io.Writer, mode Mode, codec Codec) *Writer {
	return &Writer{w: w, mode: mode, codec: codec}
}

// Enqueue frames env into the pending buffer. It never blocks on the socket.
func (cw *Writer) Enqueue(env *Envelope) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out, err := AppendFrame(cw.pending, env, cw.mode, cw.codec)
	if err != nil {
		return err
	}
	cw.pending = out
	return nil
}

// Flush writes everything enqueued since the last flush in one call.
func (cw *Writer) Flush() error {
	cw.mu.Lock()
	if len(cw.pending) == 0 {
		cw.mu.Unlock()
		return nil
	}
	buf := cw.pending
	cw.pending = nil
	cw.mu.Unlock()

	_, err := cw.w.Write(buf)
	return err
}

// PendingBytes reports the coalescing backlog size.
func (cw *Writer) PendingBytes() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.pending)
}
