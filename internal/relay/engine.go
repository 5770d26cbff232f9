// Package relay orders, persists and fans out room messages.
//
// Every room has one exclusive section. Appending a message and broadcasting
// it run inside that section, and so do taking a joiner's history snapshot
// and registering its subscription. A joiner whose snapshot ends at position
// N therefore receives exactly the broadcasts for positions N+1, N+2, ...
package relay

import (
	"context"
	"errors"
	"fmt"
	"html"
	"path"
	"strings"
	"time"
	"unicode"

	"groupchat/internal/metrics"
	"groupchat/internal/store"

	"github.com/rs/zerolog/log"
)

const maxRoomLen = 128

// RoomStatus 是房间对外展示的状态。
type RoomStatus struct {
	Name   string `json:"name"`
	Online int    `json:"online"`
	State  State  `json:"state"`
}

type Engine struct {
	rooms   *Registry
	store   store.Store
	timeout time.Duration
}

// NewEngine 的 timeout 约束每一次存储调用，超时按持久化失败处理。
func NewEngine(rooms *Registry, st store.Store, timeout time.Duration) *Engine {
	return &Engine{rooms: rooms, store: st, timeout: timeout}
}

func (e *Engine) Registry() *Registry { return e.rooms }

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// ValidRoom 检查房间标识：非空、不超过 128 字节、不含控制字符。
func ValidRoom(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > maxRoomLen {
		return ErrInvalidRoom
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return ErrInvalidRoom
	}
	return nil
}

// Create 显式创建房间。已在内存或存储中登记的房间返回 ErrRoomAlreadyExists。
func (e *Engine) Create(ctx context.Context, room string) error {
	if err := ValidRoom(room); err != nil {
		return err
	}
	if _, err := e.rooms.Lookup(room); err == nil {
		return ErrRoomAlreadyExists
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.CreateRoom(ctx, room); err != nil {
		return err
	}
	e.rooms.EnsureRoom(room)
	log.Info().Str("room", room).Msg("room created")
	return nil
}

// Join 在房间独占区内读取历史快照并只投递给加入者，随后登记订阅。
func (e *Engine) Join(ctx context.Context, room, member string, sink Sink) (*Subscription, []store.Message, error) {
	if err := ValidRoom(room); err != nil {
		return nil, nil, err
	}
	r := e.rooms.EnsureRoom(room)
	r.logMu.Lock()
	defer r.logMu.Unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	history, err := e.store.ReadAll(ctx, room)
	if err != nil {
		log.Error().Err(err).Str("room", room).Str("member", member).Msg("join read history")
		return nil, nil, storageErr(err)
	}
	if !sink.History(room, history) {
		return nil, nil, ErrSinkClosed
	}
	sub := e.rooms.Join(r, member, sink)
	log.Debug().Str("room", room).Str("member", member).Int("history", len(history)).Msg("joined")
	return sub, history, nil
}

// Leave 幂等，不产生广播。
func (e *Engine) Leave(sub *Subscription) {
	if e.rooms.Leave(sub) {
		log.Debug().Str("room", sub.Room()).Str("member", sub.Member()).Msg("left")
	}
}

// Send 追加文本消息并广播；房间不存在时自动创建。
func (e *Engine) Send(ctx context.Context, room, sender, body string) (store.Message, error) {
	if strings.TrimSpace(body) == "" || strings.TrimSpace(sender) == "" {
		return store.Message{}, ErrInvalidMessage
	}
	return e.publish(ctx, room, store.Draft{Sender: sender, Body: body, Kind: store.KindText})
}

// SendAttachment 记录已由 blob 存储保存的附件，消息体为指向 url 的链接。
func (e *Engine) SendAttachment(ctx context.Context, room, sender, url, displayName string) (store.Message, error) {
	if strings.TrimSpace(url) == "" || strings.TrimSpace(sender) == "" {
		return store.Message{}, ErrInvalidMessage
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = path.Base(url)
	}
	body := fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(url), html.EscapeString(displayName))
	return e.publish(ctx, room, store.Draft{Sender: sender, Body: body, Kind: store.KindFile, AttachmentURL: url})
}

func (e *Engine) publish(ctx context.Context, room string, d store.Draft) (store.Message, error) {
	if err := ValidRoom(room); err != nil {
		return store.Message{}, err
	}
	r := e.rooms.EnsureRoom(room)
	r.logMu.Lock()
	defer r.logMu.Unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	msg, err := e.store.Append(ctx, room, d)
	if err != nil {
		metrics.PersistenceFailures.Inc()
		log.Error().Err(err).Str("room", room).Str("sender", d.Sender).Msg("append message")
		if !errors.Is(err, ErrPersistenceFailed) {
			err = fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		}
		return store.Message{}, err
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()
	e.broadcast(r, msg)
	return msg, nil
}

// broadcast 投递给当前全部订阅者；投递失败的订阅被移除，由连接自行断开。
func (e *Engine) broadcast(r *Room, msg store.Message) {
	for _, sub := range r.subscribers() {
		if sub.sink.Deliver(msg) {
			continue
		}
		if e.rooms.Leave(sub) {
			metrics.SubscriberDrops.Inc()
			log.Warn().Str("room", r.id).Str("member", sub.member).Uint64("position", msg.Position).Msg("dropped slow subscriber")
		}
	}
}

// History 返回房间完整历史，未知房间返回空切片。
func (e *Engine) History(ctx context.Context, room string) ([]store.Message, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	msgs, err := e.store.ReadAll(ctx, room)
	if err != nil {
		return nil, storageErr(err)
	}
	return msgs, nil
}

// HistoryBefore 分页读取 position < before 的消息，before 为 0 表示最新一页。
func (e *Engine) HistoryBefore(ctx context.Context, room string, before uint64, limit int) ([]store.Message, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	msgs, err := e.store.ReadBefore(ctx, room, before, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return msgs, nil
}

// Status 是严格的存在性查询：内存和存储中都没有时返回 ErrRoomNotFound。
func (e *Engine) Status(ctx context.Context, room string) (RoomStatus, error) {
	if r, err := e.rooms.Lookup(room); err == nil {
		return RoomStatus{Name: room, Online: r.Online(), State: r.State()}, nil
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	ok, err := e.store.RoomExists(ctx, room)
	if err != nil {
		return RoomStatus{}, storageErr(err)
	}
	if !ok {
		return RoomStatus{}, ErrRoomNotFound
	}
	return RoomStatus{Name: room, State: StateEmpty}, nil
}

// Rooms 合并存储中的房间与仅存在于内存中的房间，附带在线人数。
func (e *Engine) Rooms(ctx context.Context, limit int) ([]RoomStatus, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	stored, err := e.store.ListRooms(ctx, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	seen := make(map[string]struct{}, len(stored))
	out := make([]RoomStatus, 0, len(stored))
	for _, info := range stored {
		seen[info.Name] = struct{}{}
		st := RoomStatus{Name: info.Name, State: StateEmpty}
		if r, err := e.rooms.Lookup(info.Name); err == nil {
			st.Online, st.State = r.Online(), r.State()
		}
		out = append(out, st)
	}
	for _, r := range e.rooms.Rooms() {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[r.id]; ok {
			continue
		}
		out = append(out, RoomStatus{Name: r.id, Online: r.Online(), State: r.State()})
	}
	return out, nil
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
