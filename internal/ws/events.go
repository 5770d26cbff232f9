package ws

import (
	"errors"

	"groupchat/internal/relay"
	"groupchat/internal/store"

	"github.com/go-playground/validator/v10"
)

// 入站事件类型。
const (
	TypeCreate     = "create"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeMessage    = "message"
	TypeAttachment = "attachment"
)

// 出站事件类型。
const (
	TypeCreated = "created"
	TypeJoined  = "joined"
	TypeLeft    = "left"
	TypeError   = "error"
)

// 错误码，随 error 事件返回给客户端。
const (
	CodeBadRequest         = "bad_request"
	CodeRateLimited        = "rate_limited"
	CodeRoomNotFound       = "room_not_found"
	CodeRoomExists         = "room_exists"
	CodeInvalidRoom        = "invalid_room"
	CodeInvalidMessage     = "invalid_message"
	CodePersistenceFailed  = "persistence_failed"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// InboundEvent 是客户端发来的一帧。name 在 message/attachment 中可省略，默认取加入房间时的名字。
type InboundEvent struct {
	Type        string `json:"type" validate:"required,oneof=create join leave message attachment"`
	Room        string `json:"room" validate:"required,max=128"`
	Name        string `json:"name" validate:"required_if=Type join,max=64"`
	Body        string `json:"body" validate:"max=8192"`
	URL         string `json:"url" validate:"required_if=Type attachment,max=512"`
	DisplayName string `json:"display_name" validate:"max=256"`
}

type ackEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type joinedEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	History []store.Message `json:"history"`
}

type messageEvent struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

type errorEvent struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Room   string `json:"room,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateInbound(in InboundEvent) error {
	return validate.Struct(in)
}

// errorCode 把 relay 错误映射为客户端可见的错误码。
func errorCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, relay.ErrRoomAlreadyExists):
		return CodeRoomExists
	case errors.Is(err, relay.ErrInvalidRoom):
		return CodeInvalidRoom
	case errors.Is(err, relay.ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, relay.ErrPersistenceFailed):
		return CodePersistenceFailed
	case errors.Is(err, relay.ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}
