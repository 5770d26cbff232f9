package relay

import (
	"errors"

	"groupchat/internal/store"
)

// 业务层错误，gateway 与 HTTP handler 根据错误类型映射到错误码或状态码。
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrInvalidRoom        = errors.New("invalid room")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrSinkClosed         = errors.New("subscriber is not accepting events")
	ErrRoomAlreadyExists  = store.ErrRoomAlreadyExists
	ErrPersistenceFailed  = store.ErrPersistenceFailed
	ErrStorageUnavailable = store.ErrStorageUnavailable
)
