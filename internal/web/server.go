package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"beerery/internal/config"
	"beerery/internal/controller"
	"beerery/internal/metrics"
)

// Controller is the read side of the control loop plus the reload trigger.
// Implementations must be safe to call concurrently.
type Controller interface {
	Snapshot() controller.Snapshot
	Input(name string) (controller.InputStatus, bool)
	Output(name string) (controller.OutputStatus, bool)
	Invalidate()
}

// WatcherStats is satisfied by *config.Watcher.
type WatcherStats interface {
	Snapshot() config.WatcherSnapshot
}

type Deps struct {
	Controller Controller
	// Outputs edits outputs.yaml. Nil disables the settings endpoint.
	Outputs OutputEditor
	Watcher WatcherStats
	Logs    *LogBuffer
	Stream  *Broadcaster
	Metrics *metrics.Metrics
}

type StatusResponse struct {
	Service    string                   `json:"service"`
	NowUTC     string                   `json:"now_utc"`
	Controller controller.Snapshot     `json:"controller"`
	Watcher    *config.WatcherSnapshot `json:"config_watcher,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Handler(d Deps) http.Handler {
	r := mux.NewRouter()
	m := d.Metrics
	route := func(path string, h http.Handler, methods ...string) {
		r.Handle(path, m.WrapHandler(path, h)).Methods(methods...)
	}

	route("/api/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Service: serviceName,
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if d.Controller != nil {
			resp.Controller = d.Controller.Snapshot()
		}
		if d.Watcher != nil {
			ws := d.Watcher.Snapshot()
			resp.Watcher = &ws
		}
		writeJSON(w, http.StatusOK, resp)
	}), http.MethodGet)

	route("/api/inputs/{name}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if d.Controller == nil {
			http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
			return
		}
		in, ok := d.Controller.Input(name)
		if !ok {
			http.Error(w, fmt.Sprintf("input %q not found", name), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}), http.MethodGet)

	route("/api/outputs/{name}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if d.Controller == nil {
			http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
			return
		}
		out, ok := d.Controller.Output(name)
		if !ok {
			http.Error(w, fmt.Sprintf("output %q not found", name), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}), http.MethodGet)

	route("/api/outputs/{name}/settings", outputSettingsHandler(d.Outputs, d.Controller), http.MethodGet, http.MethodPut)

	route("/api/reload", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Controller == nil {
			http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
			return
		}
		d.Controller.Invalidate()
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	}), http.MethodPost)

	if d.Logs != nil {
		route("/api/logs", d.Logs, http.MethodGet)
	}
	route("/api/about", AboutHandler(), http.MethodGet)

	// The stream needs the raw writer for the upgrade, so it is not wrapped.
	r.Handle("/api/stream", StreamHandler(d.Stream)).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	return r
}

// Serve runs the HTTP server until ctx is cancelled. accessLog, if non-nil,
// receives Apache combined log lines.
func Serve(ctx context.Context, listenAddr string, h http.Handler, accessLog io.Writer) error {
	if h == nil {
		return fmt.Errorf("web: handler is nil")
	}
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
