package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nemo157/sshagmux/pkg/wire"
)

// ErrNoForwardTarget is returned by ForwardToAdds when no registered
// upstream is currently marked as the forward-adds target.
var ErrNoForwardTarget = errors.New("upstream: no client configured to forward adds to")

// FanoutOutcomeRecorder receives one call per per-upstream outcome as a
// fan-out or forwarding operation runs, so a caller can surface them as
// metrics without this package depending on any particular metrics
// library. A nil recorder is valid; callers that don't care about these
// counts simply never set one.
type FanoutOutcomeRecorder interface {
	Success()
	Evicted()
	Transient()
}

// Registry is the concurrency-safe, insertion-ordered collection of
// currently registered upstreams, keyed by socket path. Re-adding an
// existing path promotes it to the newest position. Fan-out operations
// visit upstreams newest-first; evictions happen lazily, when a fan-out
// call discovers an upstream's socket is gone.
//
// The mutex discipline follows pkg/api/api0/serverlist.go's ServerList:
// a read lock protects lookups and iteration snapshots, a write lock
// protects add/evict, and snapshots are taken under the lock and then used
// without it, so no I/O ever happens while the lock is held.
type Registry struct {
	mu      sync.RWMutex
	order   []string // paths, oldest first
	clients map[string]*Client
	rec     FanoutOutcomeRecorder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: map[string]*Client{}}
}

// SetFanoutRecorder installs rec to receive per-upstream outcome counts for
// every fan-out/forward call made after this point. Intended to be called
// once, right after construction, before the registry is shared with any
// other goroutine.
func (r *Registry) SetFanoutRecorder(rec FanoutOutcomeRecorder) {
	r.rec = rec
}

func (r *Registry) recordSuccess() {
	if r.rec != nil {
		r.rec.Success()
	}
}

func (r *Registry) recordEvicted() {
	if r.rec != nil {
		r.rec.Evicted()
	}
}

func (r *Registry) recordTransient() {
	if r.rec != nil {
		r.rec.Transient()
	}
}

// Add registers path as an upstream, or promotes it to the newest position
// if already registered, updating its forward-adds flag in either case.
// When forwardAdds is set, the flag is cleared on every other entry, so at
// most one registered upstream is the forward-adds target.
func (r *Registry) Add(path string, forwardAdds bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[path]; exists {
		r.removeFromOrderLocked(path)
	}
	if forwardAdds {
		for p, c := range r.clients {
			if c.ForwardAdds {
				r.clients[p] = New(p, false)
			}
		}
	}
	r.clients[path] = New(path, forwardAdds)
	r.order = append(r.order, path)
}

func (r *Registry) removeFromOrderLocked(path string) {
	for i, p := range r.order {
		if p == path {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) evict(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[path]; !exists {
		return
	}
	delete(r.clients, path)
	r.removeFromOrderLocked(path)
}

// List returns every registered upstream's info, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.order))
	for _, path := range r.order {
		infos = append(infos, r.clients[path].Info())
	}
	return infos
}

// snapshotNewestFirst returns the currently registered clients, newest
// (most recently added or re-added) first.
func (r *Registry) snapshotNewestFirst() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, len(r.order))
	for i, path := range r.order {
		out[len(r.order)-1-i] = r.clients[path]
	}
	return out
}

// ForEachResult carries the outcome of one fan-out call.
type ForEachResult[T any] struct {
	Client *Client
	Value  T
	Err    error
}

// forEachClient calls f against every registered client, newest first,
// outside the registry lock. A client whose call fails with ErrUpstreamGone
// is evicted; any other error is only returned in that client's result, per
// the original design: transient upstream errors should not remove a
// potentially-live upstream from the registry. Each call's outcome is
// reported to the registry's fan-out recorder, if one is set.
func forEachClient[T any](ctx context.Context, r *Registry, f func(ctx context.Context, c *Client) (T, error)) []ForEachResult[T] {
	clients := r.snapshotNewestFirst()
	results := make([]ForEachResult[T], 0, len(clients))

	for _, c := range clients {
		v, err := f(ctx, c)
		switch {
		case err == nil:
			r.recordSuccess()
		case errors.Is(err, ErrUpstreamGone):
			r.evict(c.Path)
			r.recordEvicted()
		default:
			r.recordTransient()
		}
		results = append(results, ForEachResult[T]{Client: c, Value: v, Err: err})
	}
	return results
}

// RequestIdentities fans out REQUEST_IDENTITIES to every registered
// upstream, newest first, and returns the union of all reported keys,
// deduplicated by the (blob, comment) pair with the first occurrence (from
// the newest upstream that reported it) kept — matching the protocol's own
// notion of identity equality, rather than blob alone, since ssh-agent
// treats two entries with the same key but different comments as distinct.
func (r *Registry) RequestIdentities(ctx context.Context) []wire.PublicKey {
	results := forEachClient(ctx, r, func(ctx context.Context, c *Client) ([]wire.PublicKey, error) {
		return c.RequestIdentities(ctx)
	})

	type pair struct{ blob, comment string }
	seen := make(map[pair]bool)
	var out []wire.PublicKey
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		for _, k := range res.Value {
			p := pair{blob: string(k.Blob), comment: k.Comment}
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, k)
		}
	}
	return out
}

// SignRequest fans out a sign request newest-first and returns the first
// non-nil signature reported, or nil if no upstream holds the key.
// Upstreams after the first one that returns a signature are not contacted.
// Each contacted upstream's outcome (successful round trip, evicted, or
// transient error) is reported to the fan-out recorder, if one is set.
func (r *Registry) SignRequest(ctx context.Context, blob, data []byte, flags uint32) []byte {
	clients := r.snapshotNewestFirst()
	for _, c := range clients {
		sig, err := c.SignRequest(ctx, blob, data, flags)
		if err != nil {
			if errors.Is(err, ErrUpstreamGone) {
				r.evict(c.Path)
				r.recordEvicted()
			} else {
				r.recordTransient()
			}
			continue
		}
		r.recordSuccess()
		if sig != nil {
			return sig
		}
	}
	return nil
}

// ForwardToAdds forwards req verbatim to the newest registered upstream
// whose forward-adds flag is set, returning its response unchanged. It
// returns ErrNoForwardTarget if none is configured. Used for every request
// kind the multiplexer forwards rather than interprets itself: ADD_IDENTITY,
// ADD_ID_CONSTRAINED, REMOVE_IDENTITY, and REMOVE_ALL_IDENTITIES all share
// this single forwarding target. The attempt's outcome is reported to the
// fan-out recorder, if one is set.
func (r *Registry) ForwardToAdds(ctx context.Context, req wire.Request) (wire.Response, error) {
	clients := r.snapshotNewestFirst()
	for _, c := range clients {
		if !c.ForwardAdds {
			continue
		}
		resp, err := c.ForwardAdd(ctx, req)
		if err != nil {
			if errors.Is(err, ErrUpstreamGone) {
				r.evict(c.Path)
				r.recordEvicted()
			} else {
				r.recordTransient()
			}
			return nil, fmt.Errorf("forward add to %s: %w", c.Path, err)
		}
		r.recordSuccess()
		return resp, nil
	}
	return nil, ErrNoForwardTarget
}

// Size returns the number of currently registered upstreams.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
