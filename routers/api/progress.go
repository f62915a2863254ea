package api

import (
	"log/slog"
	"net/http"
	"time"

	"StoryBeat-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

// settled 所有分镜结束且项目不再处于生成中
func settled(p *models.StoryBeatProduction) bool {
	return p.Terminal() && p.Status != models.ProductionGenerating && p.Status != models.ProductionPlanning
}

// 生产进度 WebSocket 推送：订阅后推当前快照，再推后续变更，全部分镜结束后关闭
func (h *Handler) ProductionProgressWebSocket(c *gin.Context) {
	id := c.Param("id")
	p, updates, cancel, err := h.Store.Watch(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "production", id, "error", err)
		return
	}
	defer conn.Close()

	send := func(p *models.StoryBeatProduction) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(gin.H{
			"production_id": p.ID,
			"status":        p.Status,
			"progress":      p.Progress,
			"version":       p.Version,
			"clips":         p.Clips,
			"failed_clips":  p.FailedClips(),
		})
	}
	if err := send(p); err != nil || settled(p) {
		return
	}

	// 客户端断开时 ReadMessage 返回错误
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := p.Version
	for {
		select {
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Version <= last {
				continue
			}
			last = snap.Version
			if err := send(&snap); err != nil {
				return
			}
			if settled(&snap) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "production settled"), time.Now().Add(writeWait))
				return
			}
		}
	}
}
