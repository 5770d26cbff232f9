package server

import (
	"net/http"

	"groupchat/internal/blob"
	"groupchat/internal/config"
	"groupchat/internal/metrics"
	"groupchat/internal/mw"
	"groupchat/internal/relay"
	"groupchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 附件请求体在文件上限之外预留给 multipart 头部的余量。
const multipartOverhead = 1 << 20

// SetupRouter 统一初始化 Gin 中间件、REST API、附件下载以及 WebSocket 端点。
func SetupRouter(cfg config.Config, engine *relay.Engine, hub *ws.Hub, blobs blob.Store, limiter *mw.Limiter) *gin.Engine {
	h := NewHandler(engine, blobs, cfg.HistoryPageMax)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.MaxMultipartMemory = 8 << 20

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Online()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(mw.RateLimit(limiter))
	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:room", h.GetRoom)
	api.GET("/rooms/:room/messages", h.ListMessages)
	api.POST("/rooms/:room/attachments", limitBody(cfg.MaxUploadBytes()+multipartOverhead), h.UploadAttachment)

	r.GET("/files/:name", h.ServeFile)
	r.GET("/ws", ws.Serve(hub, engine, cfg))
	return r
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
