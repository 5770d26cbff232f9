package store

import (
	"context"
	"fmt"

	"groupchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore 基于 gorm 的消息日志，Postgres 与 SQLite 共用同一实现。
type SQLStore struct {
	db    *gorm.DB
	locks *roomLocks
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, locks: newRoomLocks()}
}

// CreateRoom 显式创建房间，房间已存在时返回 ErrRoomAlreadyExists。
func (s *SQLStore) CreateRoom(ctx context.Context, room string) error {
	unlock := s.locks.lock(room)
	defer unlock()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Room{Name: room})
	if res.Error != nil {
		return fmt.Errorf("%w: create room: %v", ErrPersistenceFailed, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRoomAlreadyExists
	}
	return nil
}

func (s *SQLStore) RoomExists(ctx context.Context, room string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Room{}).Where("name = ?", room).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return count > 0, nil
}

// ListRooms 按创建时间倒序返回房间。
func (s *SQLStore) ListRooms(ctx context.Context, limit int) ([]RoomInfo, error) {
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{Name: r.Name, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// Append 在房间锁内读取最后一条消息并写入下一位置，整个过程在一个事务中完成。
func (s *SQLStore) Append(ctx context.Context, room string, d Draft) (Message, error) {
	unlock := s.locks.lock(room)
	defer unlock()

	var rec models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Room{Name: room}).Error; err != nil {
			return err
		}
		var last models.Message
		if err := tx.Where("room = ?", room).Order("position desc").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		rec = models.Message{
			Room:          room,
			Position:      last.Position + 1,
			Sender:        d.Sender,
			Body:          d.Body,
			Kind:          string(d.Kind),
			AttachmentURL: d.AttachmentURL,
			CreatedAt:     nextTimestamp(last.CreatedAt),
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return toMessage(rec), nil
}

func (s *SQLStore) ReadAll(ctx context.Context, room string) ([]Message, error) {
	var recs []models.Message
	if err := s.db.WithContext(ctx).Where("room = ?", room).Order("position asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return toMessages(recs), nil
}

// ReadBefore 返回 position < before 的最近 limit 条消息（升序）；before 为 0 表示从最新开始。
func (s *SQLStore) ReadBefore(ctx context.Context, room string, before uint64, limit int) ([]Message, error) {
	if before == 1 || limit <= 0 {
		return []Message{}, nil
	}
	q := s.db.WithContext(ctx).Where("room = ?", room)
	if before > 0 {
		q = q.Where("position < ?", before)
	}
	var recs []models.Message
	if err := q.Order("position desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	out := toMessages(recs)
	reverse(out)
	return out, nil
}

// Close 由调用方负责关闭 *gorm.DB，这里什么也不做。
func (s *SQLStore) Close() error { return nil }

func toMessage(m models.Message) Message {
	return Message{
		Room:          m.Room,
		Position:      m.Position,
		Sender:        m.Sender,
		Body:          m.Body,
		Kind:          Kind(m.Kind),
		AttachmentURL: m.AttachmentURL,
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

func toMessages(recs []models.Message) []Message {
	out := make([]Message, 0, len(recs))
	for _, m := range recs {
		out = append(out, toMessage(m))
	}
	return out
}
