package agentmux

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nemo157/sshagmux/pkg/wire"
)

// fakeUpstream runs a minimal SSH agent on a Unix socket for the duration
// of the test: it answers REQUEST_IDENTITIES with a single fixed key,
// SIGN_REQUEST with a canned signature if the blob matches (FAILURE
// otherwise), and forwards ADD_IDENTITY/REMOVE_IDENTITY/
// REMOVE_ALL_IDENTITIES to a canned response so tests can assert the
// daemon returns it verbatim.
func fakeUpstream(t *testing.T, path string, key wire.PublicKey, sig []byte, forwardResp wire.Response) func() {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				codec := wire.NewCodec()
				var buf bytes.Buffer
				chunk := make([]byte, 4096)
				for {
					kind, payload, consumed, ok, err := codec.Decode(buf.Bytes())
					if err != nil {
						return
					}
					if !ok {
						n, rerr := conn.Read(chunk)
						if n > 0 {
							buf.Write(chunk[:n])
						}
						if rerr != nil {
							return
						}
						continue
					}
					rest := append([]byte(nil), buf.Bytes()[consumed:]...)
					buf.Reset()
					buf.Write(rest)

					req, err := wire.ParseRequest(kind, payload)
					if err != nil {
						return
					}

					var resp wire.Response
					switch r := req.(type) {
					case wire.RequestIdentities:
						resp = wire.Identities{Keys: []wire.PublicKey{key}}
					case wire.SignRequest:
						if bytes.Equal(r.KeyBlob, key.Blob) {
							resp = wire.SignResponse{Signature: sig}
						} else {
							resp = wire.FailureResponse
						}
					case wire.AddIdentity, wire.RemoveIdentity, wire.RemoveAllIdentities:
						resp = forwardResp
					default:
						resp = wire.FailureResponse
					}

					frame, err := wire.Encode(nil, resp)
					if err != nil {
						return
					}
					if _, err := conn.Write(frame); err != nil {
						return
					}
				}
			}()
		}
	}()
	return func() {
		l.Close()
		os.Remove(path)
	}
}

func TestDaemonDispatchRequestIdentitiesAndSign(t *testing.T) {
	dir := t.TempDir()
	upstreamPath := filepath.Join(dir, "upstream.sock")
	key := wire.PublicKey{Blob: []byte("test-key-blob"), Comment: "test@host"}
	sig := []byte("test-signature")

	stop := fakeUpstream(t, upstreamPath, key, sig, wire.SuccessResponse)
	defer stop()

	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatal(err)
	}
	c.LogStdout = false

	d, err := NewDaemon(&c)
	if err != nil {
		t.Fatal(err)
	}
	d.registry.Add(upstreamPath, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := d.logger
	resp := d.dispatch(ctx, &log, wire.RequestIdentities{})
	ids, ok := resp.(wire.Identities)
	if !ok || len(ids.Keys) != 1 || string(ids.Keys[0].Blob) != "test-key-blob" {
		t.Fatalf("unexpected identities response: %+v", resp)
	}

	resp = d.dispatch(ctx, &log, wire.SignRequest{KeyBlob: key.Blob, Data: []byte("data")})
	signResp, ok := resp.(wire.SignResponse)
	if !ok || string(signResp.Signature) != "test-signature" {
		t.Fatalf("unexpected sign response: %+v", resp)
	}

	resp = d.dispatch(ctx, &log, wire.SignRequest{KeyBlob: []byte("no-such-key"), Data: []byte("data")})
	if _, ok := resp.(wire.Failure); !ok {
		t.Fatalf("expected FAILURE for unknown key, got %+v", resp)
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatal(err)
	}
	c.LogStdout = false
	d, err := NewDaemon(&c)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDaemonDispatchAddUpstreamV2ProbesBeforeRegistering(t *testing.T) {
	dir := t.TempDir()
	upstreamPath := filepath.Join(dir, "upstream.sock")
	key := wire.PublicKey{Blob: []byte("test-key-blob"), Comment: "test@host"}

	stop := fakeUpstream(t, upstreamPath, key, nil, wire.SuccessResponse)
	defer stop()

	d := newTestDaemon(t)
	log := d.logger

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := d.dispatch(ctx, &log, wire.ExtensionRequest{
		Name: wire.ExtensionNameAddUpstreamV2,
		Body: wire.AddUpstreamV2{Path: upstreamPath, ForwardAdds: true},
	})
	if _, ok := resp.(wire.Success); !ok {
		t.Fatalf("expected SUCCESS once the candidate answers the probe, got %+v", resp)
	}

	resp = d.dispatch(ctx, &log, wire.ExtensionRequest{
		Name: wire.ExtensionNameListUpstreamsV2,
		Body: wire.ListUpstreamsV2{},
	})
	success, ok := resp.(wire.Success)
	if !ok {
		t.Fatalf("expected SUCCESS for list-upstreams-v2, got %+v", resp)
	}
	list, err := wire.ParseUpstreamListV2(success.Contents)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Upstreams) != 1 || list.Upstreams[0].Path != upstreamPath || !list.Upstreams[0].ForwardAdds {
		t.Fatalf("unexpected upstream list: %+v", list)
	}
}

func TestDaemonDispatchAddUpstreamV2ProbeFailureLeavesRegistryUnchanged(t *testing.T) {
	d := newTestDaemon(t)
	log := d.logger

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := d.dispatch(ctx, &log, wire.ExtensionRequest{
		Name: wire.ExtensionNameAddUpstreamV2,
		Body: wire.AddUpstreamV2{Path: "/does/not/exist.sock", ForwardAdds: false},
	})
	if _, ok := resp.(wire.ExtensionFailure); !ok {
		t.Fatalf("expected EXTENSION_FAILURE when the candidate can't be probed, got %+v", resp)
	}
	if d.registry.Size() != 0 {
		t.Fatalf("expected registry to remain empty after a failed probe, size is %d", d.registry.Size())
	}
}

func TestDaemonDispatchRemoveIdentityForwardsVerbatim(t *testing.T) {
	dir := t.TempDir()
	upstreamPath := filepath.Join(dir, "upstream.sock")
	key := wire.PublicKey{Blob: []byte("test-key-blob"), Comment: "test@host"}

	stop := fakeUpstream(t, upstreamPath, key, nil, wire.FailureResponse)
	defer stop()

	d := newTestDaemon(t)
	d.registry.Add(upstreamPath, true)
	log := d.logger

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := d.dispatch(ctx, &log, wire.RemoveIdentity{KeyBlob: key.Blob})
	if _, ok := resp.(wire.Failure); !ok {
		t.Fatalf("expected the upstream's own FAILURE response forwarded verbatim, got %+v", resp)
	}

	resp = d.dispatch(ctx, &log, wire.RemoveAllIdentities{})
	if _, ok := resp.(wire.Failure); !ok {
		t.Fatalf("expected the upstream's own FAILURE response forwarded verbatim, got %+v", resp)
	}
}

func TestDaemonDispatchRemoveIdentityNoForwardTarget(t *testing.T) {
	d := newTestDaemon(t)
	log := d.logger

	resp := d.dispatch(context.Background(), &log, wire.RemoveIdentity{KeyBlob: []byte("x")})
	if _, ok := resp.(wire.Failure); !ok {
		t.Fatalf("expected FAILURE with no forward-adds target configured, got %+v", resp)
	}
}
