package wire

import "fmt"

// Vendor extension names, dispatched on the EXTENSION request's name string.
const (
	ExtensionNameAddUpstreamV2   = "add-upstream-v2@nemo157.com"
	ExtensionNameListUpstreamsV2 = "list-upstreams-v2@nemo157.com"
)

// Extension is a parsed vendor extension request body.
type Extension interface {
	ExtensionName() string
	EncodeContentsTo(dst []byte) ([]byte, error)
	EncodedContentsLengthEstimate() int
}

// AddUpstreamV2 asks the multiplexer to register a new upstream agent
// socket, optionally marking it as the target for forwarded ADD_IDENTITY /
// ADD_ID_CONSTRAINED requests.
type AddUpstreamV2 struct {
	Path        string
	ForwardAdds bool
}

func (AddUpstreamV2) ExtensionName() string { return ExtensionNameAddUpstreamV2 }

func (a AddUpstreamV2) EncodeContentsTo(dst []byte) ([]byte, error) {
	w := &writer{b: dst}
	if err := w.putString([]byte(a.Path)); err != nil {
		return dst, err
	}
	if err := w.putBool(a.ForwardAdds); err != nil {
		return dst, err
	}
	return w.bytes(), nil
}

func (a AddUpstreamV2) EncodedContentsLengthEstimate() int {
	return 4 + len(a.Path) + 1
}

// ListUpstreamsV2 requests the current, ordered set of registered upstreams
// and carries no payload.
type ListUpstreamsV2 struct{}

func (ListUpstreamsV2) ExtensionName() string { return ExtensionNameListUpstreamsV2 }

func (ListUpstreamsV2) EncodeContentsTo(dst []byte) ([]byte, error) { return dst, nil }

func (ListUpstreamsV2) EncodedContentsLengthEstimate() int { return 0 }

// ParseExtension decodes an extension body by name. A nil, nil result means
// name was not recognized; the caller retains the raw contents instead.
func ParseExtension(name string, contents []byte) (Extension, error) {
	r := newReader(contents)
	switch name {
	case ExtensionNameAddUpstreamV2:
		path, err := r.tryUTF8String()
		if err != nil {
			return nil, fmt.Errorf("add-upstream-v2: path: %w", err)
		}
		forward, err := r.tryBool()
		if err != nil {
			return nil, fmt.Errorf("add-upstream-v2: forward_adds: %w", err)
		}
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("add-upstream-v2: %w", ErrTrailingBytes)
		}
		return AddUpstreamV2{Path: path, ForwardAdds: forward}, nil
	case ExtensionNameListUpstreamsV2:
		if len(r.remaining()) != 0 {
			return nil, fmt.Errorf("list-upstreams-v2: %w", ErrTrailingBytes)
		}
		return ListUpstreamsV2{}, nil
	default:
		return nil, nil
	}
}

// UpstreamEntryV2 is one entry in a list-upstreams-v2 response: the
// registered path and whether it is the current forward-adds target.
type UpstreamEntryV2 struct {
	Path        string
	ForwardAdds bool
}

// UpstreamListV2 is the successful response body to ListUpstreamsV2,
// carried back as a SUCCESS response's contents.
type UpstreamListV2 struct {
	Upstreams []UpstreamEntryV2
}

func (UpstreamListV2) kindMarker() {}

func parseUpstreamListV2(r *reader) (UpstreamListV2, error) {
	n, err := r.tryU32()
	if err != nil {
		return UpstreamListV2{}, err
	}
	entries := make([]UpstreamEntryV2, 0, n)
	for i := uint32(0); i < n; i++ {
		path, err := r.tryUTF8String()
		if err != nil {
			return UpstreamListV2{}, err
		}
		forward, err := r.tryBool()
		if err != nil {
			return UpstreamListV2{}, err
		}
		entries = append(entries, UpstreamEntryV2{Path: path, ForwardAdds: forward})
	}
	if len(r.remaining()) != 0 {
		return UpstreamListV2{}, ErrTrailingBytes
	}
	return UpstreamListV2{Upstreams: entries}, nil
}

func (u UpstreamListV2) encodeTo(w *writer) error {
	if err := w.putU32(uint32(len(u.Upstreams))); err != nil {
		return err
	}
	for _, e := range u.Upstreams {
		if err := w.putString([]byte(e.Path)); err != nil {
			return err
		}
		if err := w.putBool(e.ForwardAdds); err != nil {
			return err
		}
	}
	return nil
}

func (u UpstreamListV2) encodedLengthEstimate() int {
	n := 4
	for _, e := range u.Upstreams {
		n += 4 + len(e.Path) + 1
	}
	return n
}
