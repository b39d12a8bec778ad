// Package progress broadcasts trial updates to WebSocket clients.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Path is where Serve mounts the hub.
const Path = "/progress"

// Update states.
const (
	StateComplete  = "complete"
	StatePruned    = "pruned"
	StateFailed    = "fail"
	StateRepeatEnd = "repeat_end"
)

// Update is one message on the stream.
type Update struct {
	Time       time.Time `json:"time"`
	Experiment string    `json:"experiment"`
	Optimizer  string    `json:"optimizer"`
	Repeat     int       `json:"repeat"`
	Trial      int       `json:"trial"`
	State      string    `json:"state"`
	Loss       *float64  `json:"loss,omitempty"`
	Fidelity   float64   `json:"fidelity,omitempty"`
	BestLoss   *float64  `json:"best_loss,omitempty"`
	Consumed   float64   `json:"consumed"`
	Budget     float64   `json:"budget"`
}

// Publisher receives updates. Publish must not block.
type Publisher interface {
	Publish(Update)
}

type discard struct{}

func (discard) Publish(Update) {}

// Discard drops every update.
var Discard Publisher = discard{}

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	ch chan []byte
}

// Hub fans updates out to connected clients. A client whose buffer is full
// misses updates instead of stalling the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	dropped int
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), log: log}
}

func (h *Hub) Publish(u Update) {
	if u.Time.IsZero() {
		u.Time = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		h.log.Warn("encoding progress update", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.ch <- data:
		default:
			h.dropped++
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped counts updates not delivered to slow clients.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("accepting progress client", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	c := &client{ch: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()
	h.log.Debug("progress client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-c.ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Debug("progress client gone", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

// Serve listens on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	h.log.Info("progress stream listening", "addr", addr, "path", Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
