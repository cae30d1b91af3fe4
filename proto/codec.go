package proto

import (
	"encoding/binary"
	"math"
)

// writer is a small append-only binary builder. It mirrors the style
// other retrieved tunnel implementations use for length-prefixed wire
// formats (see other_examples/FredAmartey-Valinor__protocol.go), but
// writes every field as packed binary rather than embedding JSON.
type writer struct {
	buf []byte
}

func newWriter() *writer {
	return &writer{buf: make([]byte, 0, 128)}
}

func (w *writer) byte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *writer) uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// bytes writes a uint32 length prefix followed by the raw bytes.
func (w *writer) bytes(v []byte) {
	w.uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) string(v string) {
	w.bytes([]byte(v))
}

func (w *writer) headers(hs []Header) {
	if len(hs) > math.MaxUint32 {
		panic("proto: too many headers")
	}
	w.uint32(uint32(len(hs)))
	for _, h := range hs {
		w.string(h.Name)
		w.bytes(h.Value)
	}
}

func (w *writer) bytesOut() []byte {
	return w.buf
}

// reader reads the fields a writer produced, failing with
// ProtocolError on truncation rather than panicking.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, newProtocolError("truncated frame reading byte")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) boolean() (bool, error) {
	v, err := r.byte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, newProtocolError("truncated frame reading uint16")
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, newProtocolError("truncated frame reading uint32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, newProtocolError("truncated frame reading uint64")
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(r.remaining()) < uint64(n) {
		return nil, newProtocolError("truncated frame reading %d bytes", n)
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *reader) string() (string, error) {
	v, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (r *reader) headers() ([]Header, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	// Each header needs at least two uint32 length prefixes on the
	// wire; reject an implausible count before allocating so a
	// malformed/adversarial n can't OOM the process ahead of the
	// truncation check the loop below would otherwise hit first.
	const minHeaderBytes = 8
	if uint64(n) > uint64(r.remaining())/minHeaderBytes {
		return nil, newProtocolError("malformed frame: %d headers exceeds remaining %d bytes", n, r.remaining())
	}
	hs := make([]Header, n)
	for i := range hs {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		hs[i] = Header{Name: name, Value: value}
	}
	return hs, nil
}

func (r *reader) done() bool {
	return r.remaining() == 0
}
