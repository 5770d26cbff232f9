package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps each room log under keys shaped
// "msg:{hex(room)}:{position, 20 digits}" so that a prefix scan returns the
// log in position order. Room names are hex encoded to keep the ':' separator
// unambiguous.
type BadgerStore struct {
	db    *badger.DB
	locks *roomLocks
}

const (
	positionWidth = 20
	maxPosition   = math.MaxUint64
)

// OpenBadger opens (or creates) a store at path. Writes are synced before
// Append returns.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.ERROR).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db), nil
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, locks: newRoomLocks()}
}

func roomKey(room string) []byte {
	return []byte("room:" + hex.EncodeToString([]byte(room)))
}

func msgPrefix(room string) []byte {
	return []byte("msg:" + hex.EncodeToString([]byte(room)) + ":")
}

func msgKey(room string, pos uint64) []byte {
	return fmt.Appendf(msgPrefix(room), "%0*d", positionWidth, pos)
}

func (s *BadgerStore) CreateRoom(ctx context.Context, room string) error {
	unlock := s.locks.lock(room)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(roomKey(room))
		if err == nil {
			return ErrRoomAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putRoom(txn, room)
	})
	if errors.Is(err, ErrRoomAlreadyExists) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: create room: %v", ErrPersistenceFailed, err)
	}
	return nil
}

func putRoom(txn *badger.Txn, room string) error {
	b, err := json.Marshal(RoomInfo{Name: room, CreatedAt: nextTimestamp(time.Time{})})
	if err != nil {
		return err
	}
	return txn.Set(roomKey(room), b)
}

func (s *BadgerStore) RoomExists(ctx context.Context, room string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(roomKey(room))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return exists, nil
}

func (s *BadgerStore) ListRooms(ctx context.Context, limit int) ([]RoomInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var rooms []RoomInfo
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("room:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info RoomInfo
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &info) }); err != nil {
				return err
			}
			rooms = append(rooms, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	slices.SortFunc(rooms, func(a, b RoomInfo) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

// Append reads the current tail and writes the next position in a single
// read-write transaction, under the room lock.
func (s *BadgerStore) Append(ctx context.Context, room string, d Draft) (Message, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	var msg Message
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(roomKey(room)); errors.Is(err, badger.ErrKeyNotFound) {
			if err := putRoom(txn, room); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		last, err := lastMessage(txn, room)
		if err != nil {
			return err
		}
		msg = Message{
			Room:          room,
			Position:      last.Position + 1,
			Sender:        d.Sender,
			Body:          d.Body,
			Kind:          d.Kind,
			AttachmentURL: d.AttachmentURL,
			CreatedAt:     nextTimestamp(last.CreatedAt),
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(room, msg.Position), b)
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return msg, nil
}

// lastMessage seeks backwards from the largest possible key of the room.
// Returns the zero Message for an empty log.
func lastMessage(txn *badger.Txn, room string) (Message, error) {
	prefix := msgPrefix(room)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(msgKey(room, maxPosition))
	var last Message
	if !it.ValidForPrefix(prefix) {
		return last, nil
	}
	err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &last) })
	return last, err
}

func (s *BadgerStore) ReadAll(ctx context.Context, room string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	msgs := []Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(room)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return msgs, nil
}

// ReadBefore walks the log backwards from before-1 (or from the tail when
// before is 0) and returns at most limit messages in ascending order.
func (s *BadgerStore) ReadBefore(ctx context.Context, room string, before uint64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	msgs := []Message{}
	if before == 1 || limit <= 0 {
		return msgs, nil
	}
	seek := msgKey(room, maxPosition)
	if before > 0 {
		seek = msgKey(room, before-1)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(room)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	reverse(msgs)
	return msgs, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
