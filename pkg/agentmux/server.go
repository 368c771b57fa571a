package agentmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nemo157/sshagmux/pkg/upstream"
	"github.com/nemo157/sshagmux/pkg/wire"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Daemon is the running multiplexer: the listener, the upstream registry,
// and the ambient logging/metrics/debug surfaces around them.
type Daemon struct {
	config   *Config
	logger   zerolog.Logger
	reopen   func()
	registry *upstream.Registry
	metrics  *daemonMetrics
	closed   bool
}

// NewDaemon builds a Daemon from c but does not yet bind or listen.
func NewDaemon(c *Config) (*Daemon, error) {
	logger, reopen, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	reg := upstream.NewRegistry()
	m := initMetrics(reg)
	reg.SetFanoutRecorder(m)

	return &Daemon{
		config:   c,
		logger:   logger,
		reopen:   reopen,
		registry: reg,
		metrics:  m,
	}, nil
}

// Registry exposes the daemon's upstream registry, for the CLI's
// in-process subcommands and for tests.
func (d *Daemon) Registry() *upstream.Registry { return d.registry }

// Run accepts connections on l until ctx is canceled, dispatching each to
// its own goroutine, and serves the debug/metrics listener if configured.
// It blocks until every in-flight connection has been given a chance to
// finish (bounded by ctx) and returns nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context, l net.Listener) error {
	if d.closed {
		return net.ErrClosed
	}

	var metricsSrv *http.Server
	if d.config.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: d.config.MetricsAddr, Handler: d.debugMux()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Err(err).Msg("debug/metrics listener failed")
			}
		}()
	}

	d.logger.Log().Str("addr", l.Addr().String()).Msg("listening for agent connections")
	go d.sdnotify("READY=1")

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			d.metrics.connections_accepted_total.Inc()
			d.metrics.connections_in_flight.Inc()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer d.metrics.connections_in_flight.Dec()
				d.handleConn(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		d.closed = true
		d.logger.Log().Msg("shutting down")
		go d.sdnotify("STOPPING=1")
		l.Close()
		if metricsSrv != nil {
			metricsSrv.Shutdown(context.Background())
		}
		wg.Wait()
		return nil
	case err := <-acceptErr:
		if d.closed || errors.Is(err, net.ErrClosed) {
			wg.Wait()
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
}

// HandleSIGHUP reopens the log file, if one is configured.
func (d *Daemon) HandleSIGHUP() {
	if d.reopen != nil {
		d.reopen()
	}
}

func (d *Daemon) sdnotify(state string) (bool, error) {
	if d.config.NotifySocket == "" {
		return false, nil
	}

	addr := &net.UnixAddr{Name: d.config.NotifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}

// handleConn runs the per-connection dispatch loop: read one frame, decode
// a request, dispatch it against the registry, encode and write back
// exactly one response. A per-request error never terminates the loop or
// propagates to the client beyond a FAILURE/EXTENSION_FAILURE response;
// only a framing error, the connection closing, or ctx being canceled
// (which closes the connection) ends it.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	connID := xid.New().String()
	log := d.logger.With().Str("conn", connID).Logger()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")

	if dl := d.config.ConnIdleTimeout; dl > 0 {
		_ = conn.SetDeadline(time.Now().Add(dl))
	}

	codec := wire.NewCodec()
	var buf bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		kind, payload, consumed, ok, err := codec.Decode(buf.Bytes())
		if err != nil {
			log.Debug().Err(err).Msg("framing error, closing connection")
			return
		}
		if !ok {
			n, rerr := conn.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					log.Debug().Err(rerr).Msg("read error, closing connection")
				}
				return
			}
			continue
		}

		remaining := append([]byte(nil), buf.Bytes()[consumed:]...)
		buf.Reset()
		buf.Write(remaining)

		req, err := wire.ParseRequest(kind, payload)
		if err != nil {
			log.Debug().Err(err).Uint8("kind", kind).Msg("failed to parse request")
			d.writeResponse(&log, conn, wire.FailureResponse)
			continue
		}

		if dl := d.config.ConnIdleTimeout; dl > 0 {
			_ = conn.SetDeadline(time.Now().Add(dl))
		}

		resp := d.dispatch(ctx, &log, req)
		if !d.writeResponse(&log, conn, resp) {
			return
		}
	}
}

func (d *Daemon) writeResponse(log *zerolog.Logger, conn net.Conn, resp wire.Response) bool {
	frame, err := wire.Encode(nil, resp)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
		return false
	}
	if _, err := conn.Write(frame); err != nil {
		log.Debug().Err(err).Msg("failed to write response, closing connection")
		return false
	}
	return true
}

// dispatch implements the request-kind dispatch table: fan out reads
// (REQUEST_IDENTITIES, SIGN_REQUEST) across every upstream, and forward
// writes (ADD_IDENTITY, ADD_ID_CONSTRAINED, REMOVE_IDENTITY,
// REMOVE_ALL_IDENTITIES) verbatim to the current forward-adds upstream,
// returning its response unchanged (or FAILURE if none is configured).
// Vendor extensions are handled locally against the registry itself
// rather than forwarded anywhere.
func (d *Daemon) dispatch(ctx context.Context, log *zerolog.Logger, req wire.Request) wire.Response {
	switch r := req.(type) {
	case wire.RequestIdentities:
		d.metrics.requests_dispatched_total.request_identities.Inc()
		keys := d.registry.RequestIdentities(ctx)
		return wire.Identities{Keys: keys}

	case wire.SignRequest:
		d.metrics.requests_dispatched_total.sign_request.Inc()
		sig := d.registry.SignRequest(ctx, r.KeyBlob, r.Data, r.Flags)
		if sig == nil {
			return wire.FailureResponse
		}
		return wire.SignResponse{Signature: sig}

	case wire.AddIdentity:
		d.metrics.requests_dispatched_total.add_identity.Inc()
		return d.forwardToTarget(ctx, log, r)

	case wire.AddIdConstrained:
		d.metrics.requests_dispatched_total.add_id_constrained.Inc()
		return d.forwardToTarget(ctx, log, r)

	case wire.RemoveIdentity:
		d.metrics.requests_dispatched_total.remove_identity.Inc()
		return d.forwardToTarget(ctx, log, r)

	case wire.RemoveAllIdentities:
		d.metrics.requests_dispatched_total.remove_all_identities.Inc()
		return d.forwardToTarget(ctx, log, r)

	case wire.ExtensionRequest:
		d.metrics.requests_dispatched_total.extension.Inc()
		return d.dispatchExtension(ctx, log, r)

	default:
		d.metrics.requests_dispatched_total.unknown.Inc()
		log.Warn().Uint8("kind", req.Kind()).Msg("received unsupported message kind")
		return wire.FailureResponse
	}
}

// forwardToTarget forwards req to the current forward-adds upstream and
// returns its response unchanged; used for every request kind the
// multiplexer doesn't interpret beyond knowing whom to hand it to.
func (d *Daemon) forwardToTarget(ctx context.Context, log *zerolog.Logger, req wire.Request) wire.Response {
	resp, err := d.registry.ForwardToAdds(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("failed to forward request to target upstream")
		return wire.FailureResponse
	}
	return resp
}

func (d *Daemon) dispatchExtension(ctx context.Context, log *zerolog.Logger, req wire.ExtensionRequest) wire.Response {
	switch body := req.Body.(type) {
	case wire.AddUpstreamV2:
		candidate := upstream.New(body.Path, body.ForwardAdds)
		if _, err := candidate.RequestIdentities(ctx); err != nil {
			log.Warn().Err(err).Str("path", body.Path).Msg("add-upstream probe failed")
			return wire.ExtensionFailure{Err: wire.NewErrorMsg(err)}
		}
		d.registry.Add(body.Path, body.ForwardAdds)
		log.Info().Str("path", body.Path).Bool("forward_adds", body.ForwardAdds).Msg("registered upstream")
		return wire.SuccessResponse

	case wire.ListUpstreamsV2:
		infos := d.registry.List()
		entries := make([]wire.UpstreamEntryV2, 0, len(infos))
		for _, i := range infos {
			entries = append(entries, wire.UpstreamEntryV2{Path: i.Path, ForwardAdds: i.ForwardAdds})
		}
		resp, err := wire.SuccessWithUpstreamListV2(wire.UpstreamListV2{Upstreams: entries})
		if err != nil {
			return wire.ExtensionFailure{Err: wire.NewErrorMsg(err)}
		}
		return resp

	default:
		log.Warn().Str("name", req.Name).Msg("received unsupported extension")
		return wire.ExtensionFailure{Err: wire.NewErrorMsg(fmt.Errorf("unsupported extension %q", req.Name))}
	}
}
