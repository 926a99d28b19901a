package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/icap-logistics/icap-track/internal/driver/session"
	"github.com/pkg/errors"
)

// The control plane is the on-device UI's backend: it steers the delivery
// session and exposes its state for the screen.
type controlOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	ctrl *session.Controller
}

func runControlServer(ctx context.Context, opts controlOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8081"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/track/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(opts.ctrl.Status())
	})

	r.Post("/track/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderCode string `json:"orderId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderCode == "" {
			writeControlError(w, http.StatusBadRequest, errors.New("orderId is required"))
			return
		}
		writeControlResult(w, opts.ctrl.Start(r.Context(), req.OrderCode))
	})

	r.Post("/track/pause", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, opts.ctrl.Pause())
	})

	r.Post("/track/resume", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, opts.ctrl.Resume())
	})

	r.Post("/track/finish", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, opts.ctrl.Finish(r.Context()))
	})

	r.Post("/track/stop", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, opts.ctrl.Stop())
	})

	r.Post("/track/interval", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Seconds int `json:"seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeControlError(w, http.StatusBadRequest, errors.New("seconds is required"))
			return
		}
		writeControlResult(w, opts.ctrl.SetInterval(time.Duration(req.Seconds)*time.Second))
	})

	r.Post("/track/drain", func(w http.ResponseWriter, r *http.Request) {
		n, err := opts.ctrl.Drain(r.Context())
		w.Header().Set("Content-Type", "application/json")
		out := map[string]any{"success": err == nil, "delivered": n}
		if err != nil {
			out["error"] = err.Error()
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func writeControlResult(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		// Business rejections come back as 200 with the reason, matching
		// the server API convention.
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func writeControlError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
}
