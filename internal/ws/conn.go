package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"groupchat/internal/config"
	"groupchat/internal/relay"
	"groupchat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	readLimit  = 64 << 10
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Client 是一个 websocket 连接，同时作为 relay.Sink 接收广播。一个连接可以同时加入多个房间。
type Client struct {
	hub     *Hub
	engine  *relay.Engine
	conn    *websocket.Conn
	addr    string
	limiter *rate.Limiter

	sendMu sync.Mutex
	send   chan []byte
	done   bool

	mu   sync.Mutex
	subs map[string]*relay.Subscription

	disconnectOnce sync.Once
}

func newClient(h *Hub, e *relay.Engine, conn *websocket.Conn, addr string, cfg config.Config) *Client {
	return &Client{
		hub:     h,
		engine:  e,
		conn:    conn,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(cfg.WSRatePerSec), cfg.WSRateBurst),
		send:    make(chan []byte, cfg.SendBuffer),
		subs:    make(map[string]*relay.Subscription),
	}
}

func newUpgrader(env string) websocket.Upgrader {
	u := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if env == "dev" {
		u.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return u
}

// Serve 升级 HTTP 连接并运行读写循环，直到连接断开。
func Serve(h *Hub, e *relay.Engine, cfg config.Config) gin.HandlerFunc {
	upgrader := newUpgrader(cfg.Env)
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("ws upgrade")
			return
		}
		client := newClient(h, e, conn, c.Request.RemoteAddr, cfg)
		if !h.register(client) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		log.Debug().Str("remote", client.addr).Msg("ws connected")

		go client.writePump()
		client.readPump()
	}
}

// History 实现 relay.Sink。
func (c *Client) History(room string, msgs []store.Message) bool {
	return c.enqueue(joinedEvent{Type: TypeJoined, Room: room, History: msgs})
}

// Deliver 实现 relay.Sink。缓冲区已满时断开连接，断开流程会离开所有房间。
func (c *Client) Deliver(msg store.Message) bool {
	return c.enqueue(messageEvent{Type: TypeMessage, Message: msg})
}

func (c *Client) enqueue(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("remote", c.addr).Msg("ws marshal")
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.done {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		log.Warn().Str("remote", c.addr).Msg("ws send buffer full")
		c.kick()
		return false
	}
}

func (c *Client) sendError(room string, code string, detail string) {
	c.enqueue(errorEvent{Type: TypeError, Code: code, Detail: detail, Room: room})
}

// kick 关闭底层连接，readPump 随之退出并执行断开流程。
func (c *Client) kick() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// disconnect 对每个已加入的房间恰好执行一次 Leave，可被并发、重复调用。
func (c *Client) disconnect() {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, sub := range subs {
			c.engine.Leave(sub)
		}

		c.sendMu.Lock()
		c.done = true
		close(c.send)
		c.sendMu.Unlock()

		c.hub.unregister(c)
		log.Debug().Str("remote", c.addr).Int("rooms", len(subs)).Msg("ws disconnected")
	})
}

func (c *Client) readPump() {
	defer func() {
		c.disconnect()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("remote", c.addr).Msg("ws read")
			}
			return
		}
		c.handle(context.Background(), data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle 把一帧入站事件翻译为对应的 relay 调用。
func (c *Client) handle(ctx context.Context, data []byte) {
	var in InboundEvent
	if err := json.Unmarshal(data, &in); err != nil {
		c.sendError("", CodeBadRequest, "malformed frame")
		return
	}
	in.Room = strings.TrimSpace(in.Room)
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInbound(in); err != nil {
		c.sendError(in.Room, CodeBadRequest, err.Error())
		return
	}
	if !c.limiter.Allow() {
		c.sendError(in.Room, CodeRateLimited, "too many events")
		return
	}

	var err error
	switch in.Type {
	case TypeCreate:
		if err = c.engine.Create(ctx, in.Room); err == nil {
			c.enqueue(ackEvent{Type: TypeCreated, Room: in.Room})
		}
	case TypeJoin:
		err = c.join(ctx, in.Room, in.Name)
	case TypeLeave:
		c.leave(in.Room)
		c.enqueue(ackEvent{Type: TypeLeft, Room: in.Room})
	case TypeMessage:
		_, err = c.engine.Send(ctx, in.Room, c.senderName(in.Room, in.Name), in.Body)
	case TypeAttachment:
		_, err = c.engine.SendAttachment(ctx, in.Room, c.senderName(in.Room, in.Name), in.URL, in.DisplayName)
	}
	if err != nil {
		log.Warn().Err(err).Str("remote", c.addr).Str("type", in.Type).Str("room", in.Room).Msg("ws event")
		c.sendError(in.Room, errorCode(err), err.Error())
	}
}

// join 若本连接已在该房间中，先离开旧订阅，避免同一连接收到重复广播。
func (c *Client) join(ctx context.Context, room, name string) error {
	c.leave(room)
	sub, _, err := c.engine.Join(ctx, room, name, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		// disconnected while joining
		c.engine.Leave(sub)
		return nil
	}
	c.subs[room] = sub
	return nil
}

func (c *Client) leave(room string) {
	c.mu.Lock()
	sub := c.subs[room]
	delete(c.subs, room)
	c.mu.Unlock()
	if sub != nil {
		c.engine.Leave(sub)
	}
}

func (c *Client) senderName(room, explicit string) string {
	if explicit != "" {
		return explicit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub := c.subs[room]; sub != nil {
		return sub.Member()
	}
	return ""
}
