// Package web provides an HTTP status server for the led-fixture daemon.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/sweeney/led-fixture/internal/status"
)

// Server serves the fixture status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker) *Server {
	s := &Server{tracker: tracker}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(s.route),
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// route dispatches the few fixed paths; every snapshot is taken once per
// request so a page and its data cannot disagree mid-render.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	switch r.URL.Path {
	case "/", "/index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		renderHTML(w, snap)
	case "/index.json":
		w.Header().Set("Content-Type", "application/json")
		w.Write(status.FormatJSON(snap))
	case "/board.json":
		w.Header().Set("Content-Type", "application/json")
		writeBoard(w, snap)
	default:
		http.NotFound(w, r)
	}
}

// boardJSON is the /board.json shape: just the raw channel states, small
// enough for bench scripts to poll every tick.
type boardJSON struct {
	Red          []bool `json:"red"`
	Green        []bool `json:"green"`
	CurrentPair  int    `json:"current_pair"`
	CurrentColor string `json:"current_color,omitempty"`
}

func writeBoard(w http.ResponseWriter, snap status.Snapshot) {
	b := boardJSON{
		Red:          snap.LedsRed,
		Green:        snap.LedsGreen,
		CurrentPair:  snap.CurrentPair,
		CurrentColor: snap.CurrentColor,
	}
	if b.Red == nil {
		b.Red = []bool{}
	}
	if b.Green == nil {
		b.Green = []bool{}
	}
	json.NewEncoder(w).Encode(b)
}
