package wire

import "fmt"

// Request message kind codes, per the SSH agent protocol (draft-miller-ssh-
// agent) plus the vendor extension kind.
const (
	KindRequestIdentities   byte = 11
	KindSignRequest         byte = 13
	KindAddIdentity         byte = 17
	KindRemoveIdentity      byte = 18
	KindRemoveAllIdentities byte = 19
	KindAddIdConstrained    byte = 25
	KindExtension           byte = 27
)

// SignRequest flags, forwarded verbatim; the multiplexer never interprets
// them.
const (
	SignFlagRSASHA2_256 uint32 = 1 << 1
	SignFlagRSASHA2_512 uint32 = 1 << 2
)

// Request is any parsed SSH agent request message. Concrete types are
// RequestIdentities, SignRequest, AddIdentity, AddIdConstrained,
// RemoveIdentity, RemoveAllIdentities, ExtensionRequest, and UnknownRequest.
type Request interface {
	Kind() byte
	EncodeTo(dst []byte) ([]byte, error)
	EncodedLengthEstimate() int
}

// RequestIdentities asks every upstream to list its identities.
type RequestIdentities struct{}

func (RequestIdentities) Kind() byte { return KindRequestIdentities }

func (RequestIdentities) EncodeTo(dst []byte) ([]byte, error) {
	return append(dst, KindRequestIdentities), nil
}

func (RequestIdentities) EncodedLengthEstimate() int { return 1 }

// SignRequest asks whichever upstream holds KeyBlob to sign Data.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

func (SignRequest) Kind() byte { return KindSignRequest }

func (s SignRequest) EncodeTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putU8(KindSignRequest); err != nil {
		return dst, err
	}
	if err := w.putString(s.KeyBlob); err != nil {
		return dst, err
	}
	if err := w.putString(s.Data); err != nil {
		return dst, err
	}
	if err := w.putU32(s.Flags); err != nil {
		return dst, err
	}
	return w.bytes(), nil
}

func (s SignRequest) EncodedLengthEstimate() int {
	return 1 + 4 + len(s.KeyBlob) + 4 + len(s.Data) + 4
}

// AddIdentity and AddIdConstrained carry the raw key/constraint payload
// without parsing it: the multiplexer only ever forwards adds to an
// upstream, it never holds key material itself.
type AddIdentity struct {
	Payload []byte
}

func (AddIdentity) Kind() byte { return KindAddIdentity }

func (a AddIdentity) EncodeTo(dst []byte) ([]byte, error) {
	dst = append(dst, KindAddIdentity)
	return append(dst, a.Payload...), nil
}

func (a AddIdentity) EncodedLengthEstimate() int { return 1 + len(a.Payload) }

type AddIdConstrained struct {
	Payload []byte
}

func (AddIdConstrained) Kind() byte { return KindAddIdConstrained }

func (a AddIdConstrained) EncodeTo(dst []byte) ([]byte, error) {
	dst = append(dst, KindAddIdConstrained)
	return append(dst, a.Payload...), nil
}

func (a AddIdConstrained) EncodedLengthEstimate() int { return 1 + len(a.Payload) }

// RemoveIdentity asks for KeyBlob to be forgotten; the multiplexer forwards
// it to the forward-adds upstream only.
type RemoveIdentity struct {
	KeyBlob []byte
}

func (RemoveIdentity) Kind() byte { return KindRemoveIdentity }

func (r RemoveIdentity) EncodeTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putU8(KindRemoveIdentity); err != nil {
		return dst, err
	}
	if err := w.putString(r.KeyBlob); err != nil {
		return dst, err
	}
	return w.bytes(), nil
}

func (r RemoveIdentity) EncodedLengthEstimate() int { return 1 + 4 + len(r.KeyBlob) }

// RemoveAllIdentities asks for every identity to be forgotten; the
// multiplexer forwards it to the forward-adds upstream only.
type RemoveAllIdentities struct{}

func (RemoveAllIdentities) Kind() byte { return KindRemoveAllIdentities }

func (RemoveAllIdentities) EncodeTo(dst []byte) ([]byte, error) {
	return append(dst, KindRemoveAllIdentities), nil
}

func (RemoveAllIdentities) EncodedLengthEstimate() int { return 1 }

// ExtensionRequest is the EXTENSION request envelope (name-dispatched
// vendor messages); Body is the parsed vendor extension, or nil if Name was
// unrecognized and Contents holds the raw bytes instead.
type ExtensionRequest struct {
	Name     string
	Body     Extension
	Contents []byte // raw contents, populated only when Body is nil
}

func (ExtensionRequest) Kind() byte { return KindExtension }

func (e ExtensionRequest) EncodeTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putU8(KindExtension); err != nil {
		return dst, err
	}
	if err := w.putString([]byte(e.Name)); err != nil {
		return dst, err
	}
	if e.Body != nil {
		return e.Body.EncodeContentsTo(w.bytes())
	}
	if err := w.put(e.Contents); err != nil {
		return dst, err
	}
	return w.bytes(), nil
}

func (e ExtensionRequest) EncodedLengthEstimate() int {
	n := 1 + 4 + len(e.Name)
	if e.Body != nil {
		return n + e.Body.EncodedContentsLengthEstimate()
	}
	return n + len(e.Contents)
}

// UnknownRequest preserves a request of an unrecognized kind for pass-
// through error reporting; the multiplexer never forwards an unknown
// request, it responds FAILURE directly (see the server dispatch table).
type UnknownRequest struct {
	K        byte
	Contents []byte
}

func (u UnknownRequest) Kind() byte { return u.K }

func (u UnknownRequest) EncodeTo(dst []byte) ([]byte, error) {
	dst = append(dst, u.K)
	return append(dst, u.Contents...), nil
}

func (u UnknownRequest) EncodedLengthEstimate() int { return 1 + len(u.Contents) }

// ParseRequest decodes a request message body (kind byte already consumed
// by the frame codec) given its kind and payload.
func ParseRequest(kind byte, payload []byte) (Request, error) {
	r := newReader(payload)
	switch kind {
	case KindRequestIdentities:
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("request identities: %w", ErrTrailingBytes)
		}
		return RequestIdentities{}, nil
	case KindSignRequest:
		blob, err := r.tryString()
		if err != nil {
			return nil, fmt.Errorf("sign request: key blob: %w", err)
		}
		data, err := r.tryString()
		if err != nil {
			return nil, fmt.Errorf("sign request: data: %w", err)
		}
		flags, err := r.tryU32()
		if err != nil {
			return nil, fmt.Errorf("sign request: flags: %w", err)
		}
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("sign request: %w", ErrTrailingBytes)
		}
		return SignRequest{
			KeyBlob: append([]byte(nil), blob...),
			Data:    append([]byte(nil), data...),
			Flags:   flags,
		}, nil
	case KindAddIdentity:
		return AddIdentity{Payload: append([]byte(nil), payload...)}, nil
	case KindAddIdConstrained:
		return AddIdConstrained{Payload: append([]byte(nil), payload...)}, nil
	case KindRemoveIdentity:
		blob, err := r.tryString()
		if err != nil {
			return nil, fmt.Errorf("remove identity: key blob: %w", err)
		}
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("remove identity: %w", ErrTrailingBytes)
		}
		return RemoveIdentity{KeyBlob: append([]byte(nil), blob...)}, nil
	case KindRemoveAllIdentities:
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("remove all identities: %w", ErrTrailingBytes)
		}
		return RemoveAllIdentities{}, nil
	case KindExtension:
		name, err := r.tryUTF8String()
		if err != nil {
			return nil, fmt.Errorf("extension request: name: %w", err)
		}
		contents := append([]byte(nil), r.remaining()...)
		body, err := ParseExtension(name, contents)
		if err != nil {
			return nil, fmt.Errorf("extension request %q: %w", name, err)
		}
		if body == nil {
			return ExtensionRequest{Name: name, Contents: contents}, nil
		}
		return ExtensionRequest{Name: name, Body: body}, nil
	default:
		return UnknownRequest{K: kind, Contents: append([]byte(nil), payload...)}, nil
	}
}
