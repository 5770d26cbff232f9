package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"groupchat/internal/blob"
	"groupchat/internal/relay"
	"groupchat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	defaultPageSize = 50
	roomListLimit   = 100
)

// Handler 聚合所有 HTTP handler，依赖注入 relay 引擎与附件存储。
type Handler struct {
	engine  *relay.Engine
	blobs   blob.Store
	pageMax int
}

func NewHandler(engine *relay.Engine, blobs blob.Store, pageMax int) *Handler {
	if pageMax <= 0 {
		pageMax = 200
	}
	return &Handler{engine: engine, blobs: blobs, pageMax: pageMax}
}

type roomDTO struct {
	Name    string      `json:"name"`
	Online  int         `json:"online"`
	State   relay.State `json:"state"`
	Members []string    `json:"members,omitempty"`
}

// statusOf 把业务错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, relay.ErrRoomNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrRoomAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, relay.ErrInvalidRoom), errors.Is(err, relay.ErrInvalidMessage), errors.Is(err, blob.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, blob.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, relay.ErrPersistenceFailed), errors.Is(err, relay.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Str("room", c.Param("room")).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// CreateRoom 显式创建房间，重名返回 409。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.engine.Create(c.Request.Context(), req.Name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, roomDTO{Name: req.Name, State: relay.StateEmpty})
}

// GetRoom 严格查询房间是否存在，附带在线成员。
func (h *Handler) GetRoom(c *gin.Context) {
	room := c.Param("room")
	st, err := h.engine.Status(c.Request.Context(), room)
	if err != nil {
		fail(c, err)
		return
	}
	var members []string
	if r, err := h.engine.Registry().Lookup(room); err == nil {
		members = r.Members()
	}
	c.JSON(http.StatusOK, roomDTO{Name: st.Name, Online: st.Online, State: st.State, Members: members})
}

// ListRooms 返回最近的房间及在线人数。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.engine.Rooms(c.Request.Context(), roomListLimit)
	if err != nil {
		fail(c, err)
		return
	}
	out := lo.Map(rooms, func(r relay.RoomStatus, _ int) roomDTO {
		return roomDTO{Name: r.Name, Online: r.Online, State: r.State}
	})
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// ListMessages 不带参数时返回完整历史；带 limit 或 before 时按 position 向前分页，before=0 表示最新一页。
func (h *Handler) ListMessages(c *gin.Context) {
	room := c.Param("room")
	if err := relay.ValidRoom(room); err != nil {
		fail(c, err)
		return
	}
	limitStr, beforeStr := c.Query("limit"), c.Query("before")
	if limitStr == "" && beforeStr == "" {
		msgs, err := h.engine.History(c.Request.Context(), room)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": nonNil(msgs)})
		return
	}

	limit, _ := strconv.Atoi(limitStr)
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, h.pageMax)
	var before uint64
	if beforeStr != "" {
		v, err := strconv.ParseUint(beforeStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
		before = v
	}
	msgs, err := h.engine.HistoryBefore(c.Request.Context(), room, before, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(msgs)})
}

// UploadAttachment 先把文件写入附件存储，再以文件消息的形式发布到房间。
func (h *Handler) UploadAttachment(c *gin.Context) {
	room := c.Param("room")
	if err := relay.ValidRoom(room); err != nil {
		fail(c, err)
		return
	}
	sender := strings.TrimSpace(c.PostForm("sender"))
	if sender == "" {
		fail(c, relay.ErrInvalidMessage)
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, blob.ErrTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()

	obj, err := h.blobs.Put(c.Request.Context(), f, fh.Filename)
	if err != nil {
		fail(c, err)
		return
	}
	msg, err := h.engine.SendAttachment(c.Request.Context(), room, sender, obj.URL, fh.Filename)
	if err != nil {
		fail(c, err)
		return
	}
	log.Info().Str("room", room).Str("sender", sender).Str("object", obj.Name).Int64("size", obj.Size).Msg("attachment uploaded")
	c.JSON(http.StatusCreated, gin.H{"attachment": obj, "message": msg})
}

// ServeFile 返回已上传的附件。Content-Type 取自文件内容嗅探，非内联安全的类型一律作为下载返回。
func (h *Handler) ServeFile(c *gin.Context) {
	obj, p, err := h.blobs.Lookup(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	disposition := "attachment"
	if blob.InlineSafe(obj.ContentType) {
		disposition = "inline"
	}
	c.Header("Content-Type", obj.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, obj.Name))
	c.Header("X-Content-Type-Options", "nosniff")
	c.File(p)
}

func nonNil(msgs []store.Message) []store.Message {
	if msgs == nil {
		return []store.Message{}
	}
	return msgs
}
