// Package preview serves composited video feeds and runtime status over
// HTTP, with per-feed websocket JPEG streaming for local inspection.
package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gary-y/safestream/internal/media"
	"github.com/gary-y/safestream/internal/overlay"
	"github.com/gary-y/safestream/internal/types"
)

const jpegQuality = 75

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local tooling only
}

// StatusFunc supplies the /status payload
type StatusFunc func() any

// Server exposes /healthz, /status and /view/{feed} websocket streams
type Server struct {
	listen string
	status StatusFunc

	mu    sync.RWMutex
	feeds map[string]*feed

	srv *http.Server
}

func NewServer(listen string, status StatusFunc) *Server {
	return &Server{
		listen: listen,
		status: status,
		feeds:  make(map[string]*feed),
	}
}

// Sink returns an overlay sink that streams the named feed to any
// connected viewers. Safe to call before Start.
func (s *Server) Sink(name string) overlay.Sink {
	f := s.feed(name)
	return overlay.SinkFunc(func(frame types.Frame) {
		encoded, err := media.EncodeJPEG(frame, jpegQuality)
		if err != nil {
			return
		}
		f.broadcast(encoded)
	})
}

func (s *Server) feed(name string) *feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[name]
	if !ok {
		f = newFeed(name)
		s.feeds[name] = f
	}
	return f
}

// Start runs the HTTP server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/view/", s.handleView)

	s.srv = &http.Server{
		Addr:        s.listen,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("preview server listening", "addr", s.listen)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("preview server: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var payload any
	if s.status != nil {
		payload = s.status()
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("status encode failed", "error", err)
	}
}

// handleView upgrades to a websocket and streams the named feed as
// binary JPEG messages
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[len("/view/"):]
	if name == "" {
		http.Error(w, "feed name required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	f := s.feed(name)
	ch := f.subscribe()
	defer f.unsubscribe(ch)
	defer conn.Close()

	slog.Info("viewer connected", "feed", name, "remote", r.RemoteAddr)

	// Reader drains control frames and detects the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case jpeg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, jpeg); err != nil {
				return
			}
		}
	}
}

// feed fans one JPEG stream out to viewers, dropping frames for slow ones
type feed struct {
	name string

	mu      sync.Mutex
	viewers map[chan []byte]struct{}
}

func newFeed(name string) *feed {
	return &feed{
		name:    name,
		viewers: make(map[chan []byte]struct{}),
	}
}

func (f *feed) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	f.mu.Lock()
	f.viewers[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *feed) unsubscribe(ch chan []byte) {
	f.mu.Lock()
	if _, ok := f.viewers[ch]; ok {
		delete(f.viewers, ch)
		close(ch)
	}
	f.mu.Unlock()
}

func (f *feed) broadcast(jpeg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.viewers {
		select {
		case ch <- jpeg:
		default:
			// Slow viewer keeps only the newest frame
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- jpeg:
			default:
			}
		}
	}
}
