// Package store keeps the durable, append-only message log of every room.
//
// Appends to one room are serialized inside the store, so positions are
// gapless and strictly increasing and timestamps never go backwards. Appends
// to different rooms do not contend with each other.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRoomAlreadyExists  = errors.New("room already exists")
	ErrPersistenceFailed  = errors.New("persistence failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Draft is a message before the store has given it a position and timestamp.
type Draft struct {
	Sender        string
	Body          string
	Kind          Kind
	AttachmentURL string
}

// Message is an appended, immutable log entry.
type Message struct {
	Room          string    `json:"room"`
	Position      uint64    `json:"position"`
	Sender        string    `json:"sender"`
	Body          string    `json:"body"`
	Kind          Kind      `json:"kind"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type RoomInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence backend behind the relay.
//
// ReadAll and ReadBefore return an empty slice for rooms that have never been
// written to; they do not create anything. Append creates the room record
// on first use.
type Store interface {
	CreateRoom(ctx context.Context, room string) error
	RoomExists(ctx context.Context, room string) (bool, error)
	ListRooms(ctx context.Context, limit int) ([]RoomInfo, error)
	Append(ctx context.Context, room string, d Draft) (Message, error)
	ReadAll(ctx context.Context, room string) ([]Message, error)
	ReadBefore(ctx context.Context, room string, before uint64, limit int) ([]Message, error)
	Close() error
}

// roomLocks hands out one mutex per room. Rooms live as long as the process,
// so entries are never evicted.
type roomLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{m: make(map[string]*sync.Mutex)}
}

func (l *roomLocks) lock(room string) func() {
	l.mu.Lock()
	mu, ok := l.m[room]
	if !ok {
		mu = &sync.Mutex{}
		l.m[room] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// nextTimestamp keeps per-room timestamps non-decreasing even if the wall
// clock steps back. Microsecond precision matches what Postgres stores.
func nextTimestamp(last time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if now.Before(last) {
		return last
	}
	return now
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
