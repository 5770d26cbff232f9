package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"groupchat/internal/store"

	"github.com/samber/lo"
)

// Sink 是一个连接在 relay 中的投递端。两个方法都必须非阻塞，
// 返回 false 表示连接已无法接收（缓冲已满或已关闭）。
type Sink interface {
	History(room string, msgs []store.Message) bool
	Deliver(msg store.Message) bool
}

type State int

const (
	StateEmpty State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "empty"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StateActive
	case "empty":
		*s = StateEmpty
	default:
		return fmt.Errorf("relay: unknown room state %q", b)
	}
	return nil
}

// Subscription 绑定一个连接与一个房间。
type Subscription struct {
	id     uint64
	room   *Room
	member string
	sink   Sink
	left   atomic.Bool
}

func (s *Subscription) Room() string   { return s.room.id }
func (s *Subscription) Member() string { return s.member }

// Room 保存房间的在线成员。logMu 是该房间的独占区：追加+广播、快照+订阅都在其中执行；
// membersMu 只保护成员列表，离开房间不需要等待存储。
type Room struct {
	id    string
	logMu sync.Mutex

	membersMu sync.RWMutex
	members   []*Subscription
}

func (r *Room) ID() string { return r.id }

func (r *Room) Online() int {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	return len(r.members)
}

func (r *Room) State() State {
	if r.Online() > 0 {
		return StateActive
	}
	return StateEmpty
}

// Members 按加入顺序返回成员显示名，同名成员会重复出现。
func (r *Room) Members() []string {
	return lo.Map(r.subscribers(), func(s *Subscription, _ int) string { return s.member })
}

func (r *Room) subscribers() []*Subscription {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	out := make([]*Subscription, len(r.members))
	copy(out, r.members)
	return out
}

// Registry 管理进程内的全部房间，房间惰性创建，进程退出前不会删除。
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	nextID atomic.Uint64
}

func NewRegistry() *Registry { return &Registry{rooms: make(map[string]*Room)} }

// EnsureRoom 房间不存在时创建，幂等。
func (g *Registry) EnsureRoom(id string) *Room {
	g.mu.RLock()
	room := g.rooms[id]
	g.mu.RUnlock()
	if room != nil {
		return room
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	room = g.rooms[id]
	if room != nil {
		return room
	}
	room = &Room{id: id}
	g.rooms[id] = room
	return room
}

// Lookup 是严格查找，房间未注册时返回 ErrRoomNotFound。
func (g *Registry) Lookup(id string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Join 把 sink 登记为房间订阅者，返回后即可收到后续广播。
func (g *Registry) Join(room *Room, member string, sink Sink) *Subscription {
	sub := &Subscription{id: g.nextID.Add(1), room: room, member: member, sink: sink}
	room.membersMu.Lock()
	room.members = append(room.members, sub)
	room.membersMu.Unlock()
	return sub
}

// Leave 移除订阅，重复调用无副作用。返回本次调用是否真正移除了订阅。
func (g *Registry) Leave(sub *Subscription) bool {
	if sub == nil || !sub.left.CompareAndSwap(false, true) {
		return false
	}
	room := sub.room
	room.membersMu.Lock()
	defer room.membersMu.Unlock()
	for i, s := range room.members {
		if s == sub {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	return true
}

// MembersOf 返回房间当前订阅者的快照，房间不存在时返回 nil。
func (g *Registry) MembersOf(id string) []*Subscription {
	room, err := g.Lookup(id)
	if err != nil {
		return nil
	}
	return room.subscribers()
}

// Rooms 返回所有已注册房间的快照。
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return lo.Values(g.rooms)
}
