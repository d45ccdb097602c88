// Package gateway is the public OpenAI-compatible ingress: it resolves a
// request's model field to a configured alias, starts the model if it is
// not already routing, and reverse-proxies the request to the child
// process's HTTP port.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/kyleoliver/modelgated/internal/apierr"
	"github.com/kyleoliver/modelgated/internal/iface"
	"github.com/kyleoliver/modelgated/internal/model"
	"github.com/sirupsen/logrus"
)

// Gateway is the HTTP handler mounted at "/" of the public listener.
type Gateway struct {
	entries  *model.Entries
	table    *model.Table
	ctrl     *model.Controller
	registry *iface.Registry
	log      *logrus.Entry

	mu       sync.Mutex
	starting map[string]bool

	transportsMu sync.Mutex
	transports   map[int]*http.Transport
}

func New(entries *model.Entries, table *model.Table, ctrl *model.Controller, registry *iface.Registry, log *logrus.Entry) *Gateway {
	return &Gateway{
		entries:    entries,
		table:      table,
		ctrl:       ctrl,
		registry:   registry,
		log:        log,
		starting:   make(map[string]bool),
		transports: make(map[int]*http.Transport),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeCORSHeaders(w)

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	modelName, err := extractModelField(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, ok := g.entries.Resolve(modelName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", modelName))
		return
	}
	primary := entry.PrimaryName()

	plugin, ok := g.registry.Get(entry.Mode)
	if ok {
		if err := plugin.ValidateRequest(r.URL.Path, primary); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// The in-flight counter goes up before startup gating and comes back
	// down exactly once on every exit path, happy or not; Decrement also
	// refreshes last_access so the reaper sees request completion.
	st := g.table.Ensure(primary)
	st.Increment()
	defer st.Decrement()

	if st.Status() != model.StatusRouting {
		if err := g.ensureStarted(r.Context(), primary); err != nil {
			writeError(w, apierr.Status(err), apierr.Message(err))
			return
		}
	}

	snap := st.Read()
	if snap.CurrentVariant == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("model %q is not routing", primary))
		return
	}

	g.proxy(w, r, body, snap.CurrentVariant.Port)
}

// ensureStarted calls Controller.Start for name on behalf of one request.
// Every concurrent caller makes its own Start call; Start's per-model
// startup gate is what coalesces them onto a single startup attempt. The
// gateway's starting set only keeps the "starting model on demand" log
// line to one per group of overlapping callers.
func (g *Gateway) ensureStarted(ctx context.Context, name string) error {
	g.mu.Lock()
	already := g.starting[name]
	g.starting[name] = true
	g.mu.Unlock()

	if !already {
		g.log.WithField("model", name).Info("starting model on demand")
	}

	defer func() {
		g.mu.Lock()
		delete(g.starting, name)
		g.mu.Unlock()
	}()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return g.ctrl.Start(startCtx, name)
}

// transportFor returns a pooled Transport for port, one per backend so
// keep-alive connections are reused across requests to the same child.
func (g *Gateway) transportFor(port int) *http.Transport {
	g.transportsMu.Lock()
	defer g.transportsMu.Unlock()
	if t, ok := g.transports[port]; ok {
		return t
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	g.transports[port] = t
	return t
}

func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, body []byte, port int) {
	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid backend target")
		return
	}

	proxy := &httputil.ReverseProxy{
		Transport: g.transportFor(port),
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Body = nopCloser{bytes.NewReader(body)}
			req.ContentLength = int64(len(body))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.log.WithError(err).Warn("proxy error")
			http.Error(w, "upstream request failed", http.StatusInternalServerError)
		},
		// No response timeout: the transport has no deadline beyond the
		// dial, so long-lived streamed completions are not cut off.
		FlushInterval: 100 * time.Millisecond,
	}
	proxy.ServeHTTP(w, r)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extractModelField(body []byte) (string, error) {
	var payload struct {
		Model string `json:"model"`
	}
	if len(body) == 0 {
		return "", fmt.Errorf("request body is empty")
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("request body is not valid JSON: %w", err)
	}
	if payload.Model == "" {
		return "", fmt.Errorf("request body is missing a \"model\" field")
	}
	return payload.Model, nil
}

func writeCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }
