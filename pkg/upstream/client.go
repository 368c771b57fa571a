package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/nemo157/sshagmux/pkg/wire"
)

// ErrUpstreamGone reports that the upstream's socket is no longer
// connectable (the file is missing or refuses connections) and callers
// should evict it from the registry, distinct from a transient failure on
// an otherwise-live upstream.
var ErrUpstreamGone = errors.New("upstream: socket gone")

// Client talks to a single upstream agent over its Unix socket. It holds no
// persistent connection: every call dials fresh, in the style of the
// original Rust client, which never needed to survive the upstream
// restarting with a new listening socket at the same path.
type Client struct {
	Path        string
	ForwardAdds bool
}

// New returns a Client for the given socket path. It does not dial; the
// path is only probed on the first real call.
func New(path string, forwardAdds bool) *Client {
	return &Client{Path: path, ForwardAdds: forwardAdds}
}

// Info reports this client's externally visible state.
func (c *Client) Info() Info {
	return Info{Path: c.Path, ForwardAdds: c.ForwardAdds}
}

// Send performs one request/response round trip against the upstream,
// dialing a fresh connection, writing the framed request, and reading back
// exactly one framed response. ctx bounds the whole operation including
// the dial.
func (c *Client) Send(ctx context.Context, req wire.Request) (wire.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		if isGoneErr(err) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamGone, err)
		}
		return nil, fmt.Errorf("dial upstream %s: %w", c.Path, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	frame, err := wire.Encode(nil, req)
	if err != nil {
		return nil, fmt.Errorf("encode request to upstream %s: %w", c.Path, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write to upstream %s: %w", c.Path, err)
	}

	resp, err := readOneFrame(conn)
	if err != nil {
		if isGoneErr(err) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamGone, err)
		}
		return nil, fmt.Errorf("read from upstream %s: %w", c.Path, err)
	}
	return resp, nil
}

// readOneFrame reads bytes from r until exactly one framed message has
// been decoded, parses it as a response, and returns it.
func readOneFrame(r io.Reader) (wire.Response, error) {
	codec := wire.NewCodec()
	var buf bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		kind, payload, consumed, ok, err := codec.Decode(buf.Bytes())
		if err != nil {
			return nil, err
		}
		if ok {
			resp, err := wire.ParseResponse(kind, payload)
			if err != nil {
				return nil, err
			}
			_ = consumed
			return resp, nil
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("connection closed before a full response was received")
			}
			return nil, err
		}
	}
}

// RequestIdentities asks this upstream for its current identity list.
func (c *Client) RequestIdentities(ctx context.Context) ([]wire.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestIdentitiesTimeout)
	defer cancel()

	resp, err := c.Send(ctx, wire.RequestIdentities{})
	if err != nil {
		return nil, err
	}
	ids, ok := resp.(wire.Identities)
	if !ok {
		return nil, fmt.Errorf("upstream %s: expected IDENTITIES_ANSWER, got kind %d", c.Path, resp.Kind())
	}
	return ids.Keys, nil
}

// SignRequest asks this upstream to produce a signature. A nil, nil result
// means the upstream replied FAILURE (it doesn't hold the requested key),
// which is not itself an error.
func (c *Client) SignRequest(ctx context.Context, blob, data []byte, flags uint32) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, SignRequestTimeout)
	defer cancel()

	resp, err := c.Send(ctx, wire.SignRequest{KeyBlob: blob, Data: data, Flags: flags})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case wire.SignResponse:
		return r.Signature, nil
	case wire.Failure:
		return nil, nil
	default:
		return nil, fmt.Errorf("upstream %s: expected SIGN_RESPONSE or FAILURE, got kind %d", c.Path, resp.Kind())
	}
}

// ForwardAdd forwards an identity-mutation request (ADD_IDENTITY,
// ADD_ID_CONSTRAINED, REMOVE_IDENTITY or REMOVE_ALL_IDENTITIES) to this
// upstream verbatim and returns its response unmodified.
func (c *Client) ForwardAdd(ctx context.Context, req wire.Request) (wire.Response, error) {
	return c.Forward(ctx, req, AddUpstreamTimeout)
}

// Forward sends req to this upstream verbatim, bounded by timeout, and
// returns its response unmodified.
func (c *Client) Forward(ctx context.Context, req wire.Request, timeout time.Duration) (wire.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Send(ctx, req)
}

// isGoneErr reports whether err indicates the upstream's socket no longer
// exists or refuses connections, as opposed to a transient I/O failure on
// an otherwise-live upstream. Mirrors the original client's distinction
// between io::ErrorKind::NotFound (evict) and everything else (log and
// keep trying).
func isGoneErr(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, net.ErrClosed)
}
