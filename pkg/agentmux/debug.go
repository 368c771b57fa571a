package agentmux

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// debugUpstream is the JSON shape of one registry entry in the
// /debug/upstreams dump.
type debugUpstream struct {
	Path        string `json:"path"`
	ForwardAdds bool   `json:"forward_adds"`
}

// debugMux builds the loopback debug/metrics HTTP handler. Both endpoints
// are gated by a shared secret query parameter, in the style of
// pkg/atlas/server.go's serveRest /metrics handling.
func (d *Daemon) debugMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !d.metricsAuthorized(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var b bytes.Buffer
		d.metrics.WritePrometheus(&b)

		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
		w.WriteHeader(http.StatusOK)
		b.WriteTo(w)
	})

	mux.HandleFunc("/debug/upstreams", func(w http.ResponseWriter, r *http.Request) {
		if !d.metricsAuthorized(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		infos := d.registry.List()
		dump := make([]debugUpstream, 0, len(infos))
		for _, i := range infos {
			dump = append(dump, debugUpstream{Path: i.Path, ForwardAdds: i.ForwardAdds})
		}
		buf, err := json.Marshal(dump)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)

		zw := gzip.NewWriter(w)
		defer zw.Close()
		io.Copy(zw, bytes.NewReader(buf))
	})

	return mux
}

func (d *Daemon) metricsAuthorized(r *http.Request) bool {
	secret := d.config.MetricsSecret
	if secret == "" {
		return true
	}
	return r.URL.Query().Get("secret") == secret
}
