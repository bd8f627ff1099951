package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kimpers/yotp-charity/env"
	"github.com/kimpers/yotp-charity/featureflags"
	"github.com/kimpers/yotp-charity/feed"
	"github.com/kimpers/yotp-charity/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func NewRESTServer(metrics http.Handler) *RESTServer {
	return &RESTServer{metrics: metrics}
}

type RESTServer struct {
	metrics http.Handler
	srv     *http.Server
}

type snapshotInfo struct {
	AsOf     store.Sequence `json:"asOf"`
	Revision uint64         `json:"revision"`
	Count    int            `json:"count"`
}

func (s *RESTServer) Start(fd *feed.Feed) <-chan error {
	s.srv = &http.Server{Addr: env.FrontendPort(), Handler: s.Handler(fd)}

	errs := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("can't hear anything! %w", err)
		}
	}()

	return errs
}

func (s *RESTServer) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler routes the read API for fd.
func (s *RESTServer) Handler(fd *feed.Feed) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /entities", list(fd))
	mux.HandleFunc("GET /entities/{key}", get(fd))
	mux.HandleFunc("GET /entities/watch", watch(fd))
	mux.HandleFunc("GET /snapshot", snapshot(fd))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	traced := otelhttp.NewHandler(mux, env.ServiceName())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if featureflags.Enabled(featureflags.Tracing, r) {
			traced.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func list(fd *feed.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fd.ActiveEntities())
	}
}

func get(fd *feed.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")

		if key == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("invalid key"))
			return
		}

		e, ok := fd.Snapshot().Get(key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such entity"))
			return
		}

		writeJSON(w, http.StatusOK, e)
	}
}

func snapshot(fd *feed.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := fd.Snapshot()
		writeJSON(w, http.StatusOK, snapshotInfo{
			AsOf:     snap.AsOf(),
			Revision: snap.Revision(),
			Count:    snap.Len(),
		})
	}
}

type watchEvent struct {
	AsOf     store.Sequence       `json:"asOf"`
	Revision uint64               `json:"revision"`
	Changed  []string             `json:"changed"`
	Entities []store.ActiveEntity `json:"entities"`
}

// watch streams the active set as server-sent events: the current state
// first, then one event per committed change.
func watch(fd *feed.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !featureflags.Enabled(featureflags.Watch, r) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("watch is not enabled"))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("streaming unsupported"))
			return
		}

		changes := make(chan store.Change, 16)
		h := fd.OnChange(func(ctx context.Context, c store.Change) error {
			select {
			case changes <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		defer fd.Unsubscribe(h)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		send := func(c store.Change) error {
			b, err := json.Marshal(watchEvent{
				AsOf:     c.Snapshot.AsOf(),
				Revision: c.Snapshot.Revision(),
				Changed:  c.Changed,
				Entities: c.Snapshot.Entities(),
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", b); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		current := fd.Snapshot()
		if err := send(store.Change{Snapshot: current}); err != nil {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case c := <-changes:
				if c.Snapshot.Revision() <= current.Revision() {
					continue
				}
				if err := send(c); err != nil {
					return
				}
			}
		}
	}
}
