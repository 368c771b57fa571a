package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFramingLost is returned once the codec has observed a framing error. The
// codec cannot resynchronize inside a variable-length stream, so every
// subsequent Decode call fails the same way until the connection is closed.
var ErrFramingLost = errors.New("wire: framing lost, cannot resynchronize")

// Codec decodes the outer length-prefixed envelope
// (u32 length || u8 type || payload[length-1]) incrementally from a byte
// stream, and encodes the reverse. It is stateful across partial reads and
// becomes poisoned (see ErrFramingLost) on any framing error.
type Codec struct {
	length   int  // valid only when haveLen is set
	haveLen  bool
	kind     byte
	haveKind bool
	poisoned bool
}

// NewCodec returns a fresh, unpoisoned codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Decode attempts to consume one frame from buf. It returns the frame's
// type byte, its payload, the number of bytes of buf consumed, and whether a
// full frame was decoded. A (false, nil) result with a nil error means more
// input is needed; buf is then expected to be passed again, extended, from
// the same starting byte, and consumed counts the whole frame including its
// header. Once an error is returned, the codec is poisoned and every
// subsequent call returns ErrFramingLost.
func (c *Codec) Decode(buf []byte) (kind byte, payload []byte, consumed int, ok bool, err error) {
	if c.poisoned {
		return 0, nil, 0, false, ErrFramingLost
	}

	// Header bytes parsed by an earlier partial call are still at the front
	// of buf, since nothing was reported consumed for them.
	n := 0
	if c.haveLen {
		n = 4
	}
	if c.haveKind {
		n = 5
	}

	if !c.haveLen {
		if len(buf) < 4 {
			return 0, nil, 0, false, nil
		}
		length := binary.BigEndian.Uint32(buf[:4])
		n += 4
		if length == 0 {
			c.poisoned = true
			return 0, nil, 0, false, errors.New("wire: length must be at least 1 (includes type byte)")
		}
		if uint64(length) > uint64(^uint(0)>>1) {
			c.poisoned = true
			return 0, nil, 0, false, errors.New("wire: length overflow")
		}
		c.length = int(length)
		c.haveLen = true
	}

	if !c.haveKind {
		if len(buf) < n+1 {
			return 0, nil, 0, false, nil
		}
		c.kind = buf[n]
		n++
		c.haveKind = true
	}

	payloadLen := c.length - 1
	if len(buf)-n < payloadLen {
		return 0, nil, 0, false, nil
	}

	payload = buf[n : n+payloadLen]
	n += payloadLen

	kind = c.kind
	c.haveLen = false
	c.haveKind = false

	return kind, payload, n, true, nil
}

// messageEncoder is satisfied by any message variant able to serialize
// itself. Implementations write their own leading type byte.
type messageEncoder interface {
	EncodeTo(dst []byte) ([]byte, error)
	EncodedLengthEstimate() int
}

// Encode serializes msg as length-prefixed frame and appends it to dst,
// returning the extended slice. It fails if the encoded payload would
// exceed the u32 length field.
func Encode(dst []byte, msg messageEncoder) ([]byte, error) {
	start := len(dst)
	// reserve space for the u32 length placeholder
	dst = append(dst, 0, 0, 0, 0)

	payloadStart := len(dst)
	var err error
	dst, err = msg.EncodeTo(dst)
	if err != nil {
		return dst[:start], err
	}

	payloadLen := len(dst) - payloadStart
	if payloadLen > int(^uint32(0)) {
		return dst[:start], fmt.Errorf("wire: encoded length %d does not fit in u32", payloadLen)
	}
	binary.BigEndian.PutUint32(dst[start:start+4], uint32(payloadLen))
	return dst, nil
}
