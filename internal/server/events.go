package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/opstore"
)

// Hub pushes operation status documents to websocket subscribers. It polls
// the store once a second and broadcasts a document only when it differs
// from the last one sent for that operation.
type Hub struct {
	store  Store
	logger zerolog.Logger

	mu       sync.Mutex
	watchers map[string]map[*wsClient]struct{}
	lastSent map[string]string
}

type wsClient struct {
	conn *websocket.Conn
}

func newHub(store Store, logger zerolog.Logger) *Hub {
	return &Hub{
		store:    store,
		logger:   logger.With().Str("component", "ws-hub").Logger(),
		watchers: make(map[string]map[*wsClient]struct{}),
		lastSent: make(map[string]string),
	}
}

func (h *Hub) start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.watchers))
	for id := range h.watchers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		data, err := h.statusPayload(ctx, id)
		if err != nil {
			h.logger.Err(err).Str("operation_id", id).Msg("poll operation for ws")
			continue
		}
		h.broadcast(id, data)
	}
}

func (h *Hub) statusPayload(ctx context.Context, id string) ([]byte, error) {
	op, ok, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("operation %q: %w", id, opstore.ErrNotFound)
	}
	return json.Marshal(statusDoc(op))
}

func (h *Hub) broadcast(id string, data []byte) {
	h.mu.Lock()
	if h.lastSent[id] == string(data) {
		h.mu.Unlock()
		return
	}
	h.lastSent[id] = string(data)
	clients := make([]*wsClient, 0, len(h.watchers[id]))
	for c := range h.watchers[id] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.remove(id, c)
		}
	}
}

func (h *Hub) add(id string, c *wsClient) {
	h.mu.Lock()
	if h.watchers[id] == nil {
		h.watchers[id] = make(map[*wsClient]struct{})
	}
	h.watchers[id][c] = struct{}{}
	n := len(h.watchers[id])
	h.mu.Unlock()
	h.logger.Debug().Str("operation_id", id).Int("clients", n).Msg("ws client connected")
}

func (h *Hub) remove(id string, c *wsClient) {
	h.mu.Lock()
	if set, ok := h.watchers[id]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if len(set) == 0 {
			delete(h.watchers, id)
			delete(h.lastSent, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Resolve before upgrading so unknown ids get a plain 404.
	data, err := h.statusPayload(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, opstore.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow cross-origin for dev.
	})
	if err != nil {
		h.logger.Err(err).Msg("ws accept")
		return
	}

	client := &wsClient{conn: conn}
	h.add(id, client)

	// Send the current document immediately so the client does not wait
	// out a poll interval.
	wctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	werr := conn.Write(wctx, websocket.MessageText, data)
	cancel()
	if werr == nil {
		h.mu.Lock()
		h.lastSent[id] = string(data)
		h.mu.Unlock()
	}

	// Keep the connection alive by reading (client may send pings).
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			h.remove(id, client)
			return
		}
	}
}
