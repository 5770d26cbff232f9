package ws

import (
	"context"
	"sync"

	"groupchat/internal/metrics"
)

// Hub 跟踪所有存活的 websocket 连接，用于统计与优雅停服。房间成员关系由 relay 管理。
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewHub() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// register 在停服过程中返回 false，调用方应直接关闭连接。
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	metrics.WsConnections.Inc()
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.wg.Done()
	metrics.WsConnections.Dec()
}

// Online 返回当前连接数。
func (h *Hub) Online() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown 拒绝新连接，关闭所有现有连接，并等待它们各自完成断开流程。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.kick()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
