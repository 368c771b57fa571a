package wire

import "fmt"

// Response message kind codes.
const (
	KindFailure          byte = 5
	KindSuccess          byte = 6
	KindIdentitiesAnswer byte = 12
	KindSignResponse     byte = 14
	KindExtensionFailure byte = 28
)

// Response is any parsed SSH agent response message.
type Response interface {
	Kind() byte
	EncodeTo(dst []byte) ([]byte, error)
	EncodedLengthEstimate() int
}

// Failure is the generic, content-free failure response. FailureResponse is
// the ready-made zero value to return for it.
type Failure struct{}

var FailureResponse = Failure{}

func (Failure) Kind() byte { return KindFailure }

func (Failure) EncodeTo(dst []byte) ([]byte, error) { return append(dst, KindFailure), nil }

func (Failure) EncodedLengthEstimate() int { return 1 }

// Success is the generic SUCCESS response. Contents is empty for a plain
// ADD_IDENTITY/REMOVE_IDENTITY-style acknowledgement, or holds an encoded
// extension response body (e.g. UpstreamListV2) for extension replies.
type Success struct {
	Contents []byte
}

var SuccessResponse = Success{}

func (Success) Kind() byte { return KindSuccess }

func (s Success) EncodeTo(dst []byte) ([]byte, error) {
	dst = append(dst, KindSuccess)
	return append(dst, s.Contents...), nil
}

func (s Success) EncodedLengthEstimate() int { return 1 + len(s.Contents) }

// SuccessWithUpstreamListV2 builds the SUCCESS response carrying an encoded
// list-upstreams-v2 body.
func SuccessWithUpstreamListV2(list UpstreamListV2) (Success, error) {
	w := newWriter(list.encodedLengthEstimate())
	if err := list.encodeTo(w); err != nil {
		return Success{}, err
	}
	return Success{Contents: w.bytes()}, nil
}

// Identities is the IDENTITIES_ANSWER response, listing every known public
// key across every registered upstream (deduplicated by the (blob, comment)
// pair, first occurrence wins).
type Identities struct {
	Keys []PublicKey
}

func (Identities) Kind() byte { return KindIdentitiesAnswer }

func (i Identities) EncodeTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putU8(KindIdentitiesAnswer); err != nil {
		return dst, err
	}
	if err := w.putU32(uint32(len(i.Keys))); err != nil {
		return dst, err
	}
	for _, k := range i.Keys {
		if err := k.encodeTo(w); err != nil {
			return dst, err
		}
	}
	return w.bytes(), nil
}

func (i Identities) EncodedLengthEstimate() int {
	n := 1 + 4
	for _, k := range i.Keys {
		n += k.encodedLengthEstimate()
	}
	return n
}

// SignResponse carries a computed signature back to the client.
type SignResponse struct {
	Signature []byte
}

func (SignResponse) Kind() byte { return KindSignResponse }

func (s SignResponse) EncodeTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putU8(KindSignResponse); err != nil {
		return dst, err
	}
	if err := w.putString(s.Signature); err != nil {
		return dst, err
	}
	return w.bytes(), nil
}

func (s SignResponse) EncodedLengthEstimate() int { return 1 + 4 + len(s.Signature) }

// ExtensionFailure reports that an extension request failed, with an
// ErrorMsg causal chain describing why. It is returned instead of a plain
// FAILURE so a client that understands extensions can surface the cause.
type ExtensionFailure struct {
	Err ErrorMsg
}

func (ExtensionFailure) Kind() byte { return KindExtensionFailure }

func (e ExtensionFailure) EncodeTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putU8(KindExtensionFailure); err != nil {
		return dst, err
	}
	if err := e.Err.encodeTo(w); err != nil {
		return dst, err
	}
	return w.bytes(), nil
}

func (e ExtensionFailure) EncodedLengthEstimate() int { return 1 + e.Err.encodedLengthEstimate() }

// UnknownResponse preserves a response of an unrecognized kind, used only
// when parsing replies received from an upstream agent (a client of the
// multiplexer never needs one built for it).
type UnknownResponse struct {
	K        byte
	Contents []byte
}

func (u UnknownResponse) Kind() byte { return u.K }

func (u UnknownResponse) EncodeTo(dst []byte) ([]byte, error) {
	dst = append(dst, u.K)
	return append(dst, u.Contents...), nil
}

func (u UnknownResponse) EncodedLengthEstimate() int { return 1 + len(u.Contents) }

// ParseResponse decodes a response message body (kind byte already
// consumed by the frame codec) given its kind and payload. Upstream-only
// responses (IDENTITIES_ANSWER, SIGN_RESPONSE) are parsed fully; SUCCESS is
// returned with its contents undecoded, since interpreting them depends on
// which extension request prompted them.
func ParseResponse(kind byte, payload []byte) (Response, error) {
	r := newReader(payload)
	switch kind {
	case KindFailure:
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("failure: %w", ErrTrailingBytes)
		}
		return Failure{}, nil
	case KindSuccess:
		return Success{Contents: append([]byte(nil), payload...)}, nil
	case KindIdentitiesAnswer:
		n, err := r.tryU32()
		if err != nil {
			return nil, fmt.Errorf("identities answer: count: %w", err)
		}
		keys := make([]PublicKey, 0, n)
		for i := uint32(0); i < n; i++ {
			k, err := parsePublicKey(r)
			if err != nil {
				return nil, fmt.Errorf("identities answer: key %d: %w", i, err)
			}
			keys = append(keys, k)
		}
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("identities answer: %w", ErrTrailingBytes)
		}
		return Identities{Keys: keys}, nil
	case KindSignResponse:
		sig, err := r.tryString()
		if err != nil {
			return nil, fmt.Errorf("sign response: signature: %w", err)
		}
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("sign response: %w", ErrTrailingBytes)
		}
		return SignResponse{Signature: append([]byte(nil), sig...)}, nil
	case KindExtensionFailure:
		em, err := parseErrorMsg(r)
		if err != nil {
			return nil, fmt.Errorf("extension failure: %w", err)
		}
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("extension failure: %w", ErrTrailingBytes)
		}
		return ExtensionFailure{Err: em}, nil
	default:
		return UnknownResponse{K: kind, Contents: append([]byte(nil), payload...)}, nil
	}
}

// ParseUpstreamListV2 decodes a SUCCESS response's contents as a
// list-upstreams-v2 body; callers know to do this because they issued a
// ListUpstreamsV2 extension request on the same connection.
func ParseUpstreamListV2(contents []byte) (UpstreamListV2, error) {
	return parseUpstreamListV2(newReader(contents))
}
