// Package upstream implements the multiplexer's view of a single upstream
// SSH agent (a per-call Unix socket client) and the ordered registry of all
// currently known upstreams.
package upstream

import "time"

// Timeouts applied to each kind of upstream round trip. These are
// per-operation, not per-connection: every call to an upstream agent opens
// a fresh socket and is independently bounded.
const (
	RequestIdentitiesTimeout = 5 * time.Second
	SignRequestTimeout       = 60 * time.Second
	ListUpstreamsTimeout     = 1 * time.Second
	AddUpstreamTimeout       = 1 * time.Second
)

// Info is the externally visible state of one registered upstream: its
// socket path and whether it is the current forward-adds target. It is
// what gets reported back over the list-upstreams-v2 extension.
type Info struct {
	Path        string
	ForwardAdds bool
}
