// Package wire implements the SSH agent wire protocol: the byte-level
// primitives, the length-prefixed frame codec, and the typed request,
// response, and extension message algebra.
package wire

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// ErrShortRead is returned by the try* readers when the buffer does not yet
// contain enough bytes to satisfy the read. Callers should treat it as "need
// more input", not as a fatal error.
var ErrShortRead = errors.New("wire: short read")

// ErrTrailingBytes is returned when a message's payload has unconsumed
// bytes left after every field of its variant has been parsed.
var ErrTrailingBytes = errors.New("wire: trailing bytes after message")

// reader is a non-panicking cursor over a byte slice. Zero value reads from
// a nil slice (and thus always reports a short read).
type reader struct {
	b []byte
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

// remaining returns the unread bytes left.
func (r *reader) remaining() []byte {
	return r.b
}

func (r *reader) tryU8() (byte, error) {
	if len(r.b) < 1 {
		return 0, ErrShortRead
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *reader) tryU32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint32(r.b[:4])
	r.b = r.b[4:]
	return v, nil
}

// tryString reads a u32-length-prefixed byte string, returning a slice into
// the underlying buffer (callers must copy if they intend to retain it
// beyond the buffer's lifetime).
func (r *reader) tryString() ([]byte, error) {
	n, err := r.tryU32()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.b)) < uint64(n) {
		return nil, ErrShortRead
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v, nil
}

// tryUTF8String reads a u32-length-prefixed string and validates it as UTF-8.
func (r *reader) tryUTF8String() (string, error) {
	b, err := r.tryString()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("wire: invalid utf-8 string")
	}
	return string(b), nil
}

// tryBool reads a single octet: 0 is false, 1 is true, anything else is a
// decode error (distinct from a short read).
func (r *reader) tryBool() (bool, error) {
	v, err := r.tryU8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.New("wire: invalid bool value")
	}
}

// writer is a growable, capacity-checked byte buffer. Unlike bytes.Buffer, a
// write past a caller-imposed capacity limit fails rather than growing
// unbounded; callers that don't care about a limit use writer with cap<=0.
type writer struct {
	b   []byte
	cap int // 0 means unlimited
}

func newWriter(estimate int) *writer {
	return &writer{b: make([]byte, 0, estimate)}
}

func (w *writer) hasRoom(n int) bool {
	if w.cap <= 0 {
		return true
	}
	return len(w.b)+n <= w.cap
}

func (w *writer) putU8(v byte) error {
	if !w.hasRoom(1) {
		return errors.New("wire: no capacity remaining")
	}
	w.b = append(w.b, v)
	return nil
}

func (w *writer) putU32(v uint32) error {
	if !w.hasRoom(4) {
		return errors.New("wire: no capacity remaining")
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
	return nil
}

func (w *writer) put(b []byte) error {
	if !w.hasRoom(len(b)) {
		return errors.New("wire: no capacity remaining")
	}
	w.b = append(w.b, b...)
	return nil
}

func (w *writer) putString(b []byte) error {
	if len(b) > int(^uint32(0)) {
		return errors.New("wire: string too long")
	}
	if err := w.putU32(uint32(len(b))); err != nil {
		return err
	}
	return w.put(b)
}

func (w *writer) putBool(v bool) error {
	if v {
		return w.putU8(1)
	}
	return w.putU8(0)
}

func (w *writer) bytes() []byte {
	return w.b
}
