package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Wire limits.
const (
	Version           = 1
	MaxFrameSize      = 64 << 10
	MaxFieldsSize     = 4 << 10
	MaxInlineSize     = 16 << 10
	MaxHandles        = 16
	CompressThreshold = 1 << 10

	maxHandleIDLen = 64
	headerSize     = 1 + 1 + 2 + 8
)

const flagCompressed = 1 << 0

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxInlineSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

func invalid(format string, args ...any) error {
	return ipcerr.New(ipcerr.InvalidArgument, "envelope", format, args...)
}

// Marshal encodes e into a length-prefixed frame. Sender is not encoded.
//
//	u32 length | u8 version | u8 flags | u16 tag | u64 correlation |
//	u32 len + fields | u32 len + inline | u16 count + count*(u8 mode, u16 len + id)
func Marshal(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	inline := e.Inline
	var flags byte
	if len(inline) >= CompressThreshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, ipcerr.Wrap(ipcerr.Fault, "envelope", err)
		}
		if packed := enc.EncodeAll(inline, nil); len(packed) < len(inline) {
			inline = packed
			flags |= flagCompressed
		}
	}

	size := headerSize + 4 + len(e.Fields) + 4 + len(inline) + 2
	for _, h := range e.Handles {
		size += 1 + 2 + len(h.ID)
	}
	if size > MaxFrameSize {
		return nil, invalid("frame %d bytes exceeds %d", size, MaxFrameSize)
	}

	buf := make([]byte, 0, 4+size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = append(buf, Version, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(e.Tag))
	buf = binary.BigEndian.AppendUint64(buf, e.Correlation)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Fields)))
	buf = append(buf, e.Fields...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(inline)))
	buf = append(buf, inline...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Handles)))
	for _, h := range e.Handles {
		buf = append(buf, byte(h.Mode))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.ID)))
		buf = append(buf, h.ID...)
	}
	return buf, nil
}

// Unmarshal decodes a frame produced by Marshal. The returned envelope owns
// fresh copies of every byte slice.
func Unmarshal(frame []byte) (*Envelope, error) {
	if len(frame) < 4 {
		return nil, invalid("frame truncated")
	}
	length := binary.BigEndian.Uint32(frame)
	if length > MaxFrameSize {
		return nil, invalid("frame %d bytes exceeds %d", length, MaxFrameSize)
	}
	if int(length) != len(frame)-4 {
		return nil, invalid("frame length %d does not match %d bytes", length, len(frame)-4)
	}
	return decodeBody(frame[4:])
}

// WriteFrame writes e to w as one frame.
func WriteFrame(w io.Writer, e *Envelope) error {
	frame, err := Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, invalid("frame %d bytes exceeds %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decodeBody(body)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = invalid("frame truncated at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bytes(n uint32, limit int) []byte {
	if r.err == nil && int(n) > limit {
		r.err = invalid("section of %d bytes exceeds %d", n, limit)
		return nil
	}
	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func decodeBody(body []byte) (*Envelope, error) {
	r := &reader{buf: body}

	if v := r.u8(); r.err == nil && v != Version {
		return nil, invalid("unsupported version %d", v)
	}
	flags := r.u8()
	if flags&^flagCompressed != 0 {
		return nil, invalid("unknown flags %#x", flags)
	}

	e := &Envelope{}
	e.Tag = Tag(r.u16())
	e.Correlation = r.u64()
	e.Fields = r.bytes(r.u32(), MaxFieldsSize)
	e.Inline = r.bytes(r.u32(), MaxInlineSize)

	count := r.u16()
	if r.err == nil && int(count) > MaxHandles {
		return nil, invalid("%d handles exceed %d", count, MaxHandles)
	}
	for i := 0; i < int(count) && r.err == nil; i++ {
		mode := Mode(r.u8())
		raw := r.take(int(r.u16()))
		e.Handles = append(e.Handles, HandleRef{ID: id.BufferID(raw), Mode: mode})
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(body) {
		return nil, invalid("%d trailing bytes", len(body)-r.off)
	}

	if flags&flagCompressed != 0 {
		_, dec, err := codecs()
		if err != nil {
			return nil, ipcerr.Wrap(ipcerr.Fault, "envelope", err)
		}
		plain, err := dec.DecodeAll(e.Inline, nil)
		if err != nil {
			return nil, invalid("inline payload: %v", err)
		}
		if len(plain) > MaxInlineSize {
			return nil, invalid("inline payload %d bytes exceeds %d", len(plain), MaxInlineSize)
		}
		e.Inline = plain
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
