// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/whisper-darkly/forknote-backend/config"
	"github.com/whisper-darkly/forknote-backend/message"
	"github.com/whisper-darkly/forknote-backend/server"
)

// New builds and returns the application HTTP handler.
//
//	GET  /                       WebSocket endpoint for notebook clients
//	POST /callback               run-completion pings from workers
//	POST /sidechannel            out-of-band outputs from workers
//	GET  /api/notebook           notebook snapshot
//	GET  /api/cells/{name}/...   persisted history for one cell
func New(srv *server.Server) http.Handler {
	mux := http.NewServeMux()

	// Client channel
	mux.HandleFunc("GET /{$}", srv.ServeWS)

	// Worker side channels
	mux.HandleFunc("POST /callback", callback(srv))
	mux.HandleFunc("POST /sidechannel", sidechannel(srv))

	// Introspection
	mux.HandleFunc("GET /api/notebook", getNotebook(srv))
	mux.HandleFunc("GET /api/cells/{name}/events", getCellEvents(srv))
	mux.HandleFunc("GET /api/cells/{name}/outputs", getCellOutputs(srv))

	// Global config
	mux.HandleFunc("GET /api/config", getConfig(srv))
	mux.HandleFunc("PUT /api/config", putConfig(srv))

	// System / diagnostics
	mux.HandleFunc("GET /api/health", health(srv))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- handlers ----

func callback(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		msg, err := message.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		srv.OnCallback(msg)
		w.WriteHeader(http.StatusOK)
	}
}

func sidechannel(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		msg, err := message.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		srv.OnSidechannel(msg)
		w.WriteHeader(http.StatusOK)
	}
}

func getNotebook(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := srv.Snapshot()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}
}

func getCellEvents(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		events, err := srv.Events(r.Context(), name, 50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cell":   name,
			"events": events,
		})
	}
}

func getCellOutputs(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		outputs, err := srv.Outputs(r.Context(), name, 200)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cell":    name,
			"outputs": outputs,
		})
	}
}

func getConfig(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, srv.GetConfig())
	}
}

func putConfig(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d config.Data
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if err := srv.SetConfig(d); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, srv.GetConfig())
	}
}

func health(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, srv.Health())
	}
}
