package models

import "time"

// Room 记录显式创建或首次写入消息时落库的房间。
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	CreatedAt time.Time
}

// Message 是房间日志中的一条记录，(room, position) 唯一。
type Message struct {
	ID            uint      `gorm:"primaryKey"`
	Room          string    `gorm:"uniqueIndex:idx_msg_room_pos,priority:1;size:128;not null"`
	Position      uint64    `gorm:"uniqueIndex:idx_msg_room_pos,priority:2;not null"`
	Sender        string    `gorm:"size:128;not null"`
	Body          string    `gorm:"type:text;not null"`
	Kind          string    `gorm:"size:16;not null"`
	AttachmentURL string    `gorm:"size:512"`
	CreatedAt     time.Time `gorm:"not null"`
}
