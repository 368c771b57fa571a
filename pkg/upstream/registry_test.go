package upstream

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nemo157/sshagmux/pkg/wire"
)

func TestRegistryAddPromotesToNewest(t *testing.T) {
	r := NewRegistry()
	r.Add("/a.sock", false)
	r.Add("/b.sock", false)
	r.Add("/a.sock", true) // re-add promotes /a.sock and updates its flag

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 upstreams, got %d", len(list))
	}
	if list[0].Path != "/b.sock" || list[1].Path != "/a.sock" {
		t.Fatalf("expected insertion order [b, a], got %+v", list)
	}
	if !list[1].ForwardAdds {
		t.Fatal("expected re-added /a.sock to carry forward_adds=true")
	}
}

func TestRegistryNewestFirstFanOutOrder(t *testing.T) {
	r := NewRegistry()
	r.Add("/a.sock", false)
	r.Add("/b.sock", false)
	r.Add("/c.sock", false)

	clients := r.snapshotNewestFirst()
	got := make([]string, len(clients))
	for i, c := range clients {
		got[i] = c.Path
	}
	want := []string{"/c.sock", "/b.sock", "/a.sock"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("newest-first order mismatch: got %v want %v", got, want)
		}
	}
}

func TestRegistryEvictOnGoneError(t *testing.T) {
	r := NewRegistry()
	r.Add("/nonexistent-for-test.sock", false)

	ctx := context.Background()
	keys := r.RequestIdentities(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected no identities from a dead upstream, got %v", keys)
	}
	if r.Size() != 0 {
		t.Fatalf("expected dead upstream to be evicted, registry size is %d", r.Size())
	}
}

func TestRegistryForwardToAddsNoTarget(t *testing.T) {
	r := NewRegistry()
	r.Add("/a.sock", false)

	_, err := r.ForwardToAdds(context.Background(), wire.AddIdentity{Payload: []byte("x")})
	if err != ErrNoForwardTarget {
		t.Fatalf("expected ErrNoForwardTarget, got %v", err)
	}
}

func TestRegistryForwardToAddsPicksNewestFlagged(t *testing.T) {
	r := NewRegistry()
	r.Add("/a.sock", true)
	r.Add("/b.sock", false)
	r.Add("/c.sock", true)

	// None of these sockets exist, so forwarding fails and the error names
	// the upstream ForwardToAdds picked.
	_, err := r.ForwardToAdds(context.Background(), wire.AddIdentity{Payload: []byte("x")})
	if err == nil || !strings.Contains(err.Error(), "/c.sock") {
		t.Fatalf("expected /c.sock to be the newest forward_adds target, got %v", err)
	}
}

// serveIdentities answers every connection on a Unix socket at path with an
// IDENTITIES_ANSWER listing keys, after reading the request.
func serveIdentities(t *testing.T, path string, keys []wire.PublicKey) {
	t.Helper()
	frame, err := wire.Encode(nil, wire.Identities{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Read(make([]byte, 4096))
			_, _ = conn.Write(frame)
			conn.Close()
		}
	}()
}

func TestRequestIdentitiesDedupByBlobAndComment(t *testing.T) {
	a := []wire.PublicKey{{Blob: []byte("k1"), Comment: "same"}}
	b := []wire.PublicKey{{Blob: []byte("k1"), Comment: "same"}, {Blob: []byte("k1"), Comment: "different"}}

	dir := t.TempDir()
	pathA, pathB := filepath.Join(dir, "a.sock"), filepath.Join(dir, "b.sock")
	serveIdentities(t, pathA, a)
	serveIdentities(t, pathB, b)

	r := NewRegistry()
	r.Add(pathB, false)
	r.Add(pathA, false) // newest

	out := r.RequestIdentities(context.Background())
	if len(out) != 2 {
		t.Fatalf("expected same blob with different comment to be kept distinct, got %d entries", len(out))
	}
}
