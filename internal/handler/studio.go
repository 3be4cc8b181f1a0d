package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"purepale-studio/internal/builder"
	"purepale-studio/internal/client"
	"purepale-studio/internal/describe"
	"purepale-studio/internal/ledger"
	"purepale-studio/internal/mask"
	"purepale-studio/internal/model"
	"purepale-studio/internal/service"
	"purepale-studio/internal/storage"
	"purepale-studio/internal/utils"
	"purepale-studio/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

const heartbeatInterval = 30 * time.Second

type StudioHandler struct {
	studio         *service.StudioService
	maxUploadBytes int64
}

func NewStudioHandler(studio *service.StudioService, maxUploadBytes int64) *StudioHandler {
	return &StudioHandler{
		studio:         studio,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register 挂载 /api 下的全部路由
func (h *StudioHandler) Register(api *gin.RouterGroup) {
	api.GET("/info", h.GetInfo)

	sessions := api.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.POST("/clear", h.ClearAllSessions)
		sessions.GET("/:session_id", h.GetSession)
		sessions.PUT("/:session_id", h.UpdateSessionTitle)
		sessions.DELETE("/:session_id", h.DeleteSession)

		sessions.PUT("/:session_id/form", h.UpdateForm)
		sessions.POST("/:session_id/source", h.UploadSource)
		sessions.DELETE("/:session_id/source", h.ClearSource)
		sessions.POST("/:session_id/describe", h.Describe)

		sessions.PUT("/:session_id/mask/mode", h.SetMaskMode)
		sessions.POST("/:session_id/mask/click", h.MaskClick)
		sessions.POST("/:session_id/mask/stroke", h.Stroke)
		sessions.DELETE("/:session_id/mask", h.ClearMask)
		sessions.GET("/:session_id/mask/preview", h.MaskPreview)

		sessions.POST("/:session_id/generate", h.Generate)
		sessions.PUT("/:session_id/repeat", h.SetRepeat)
		sessions.GET("/:session_id/entries", h.GetEntries)
		sessions.POST("/:session_id/entries/:index/retry", h.Retry)
		sessions.GET("/:session_id/entries/:index/share", h.Share)

		sessions.GET("/:session_id/events", h.Events)
	}
}

func (h *StudioHandler) GetInfo(c *gin.Context) {
	info, err := h.studio.Info()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *StudioHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	// 允许空的请求体，使用默认标题
	_ = c.ShouldBindJSON(&req)

	detail, err := h.studio.CreateSession(req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func (h *StudioHandler) ListSessions(c *gin.Context) {
	sessions, err := h.studio.ListSessions()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *StudioHandler) GetSession(c *gin.Context) {
	detail, err := h.studio.GetSession(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *StudioHandler) UpdateSessionTitle(c *gin.Context) {
	var req model.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.studio.UpdateSessionTitle(c.Param("session_id"), req.Title); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session title updated successfully"})
}

func (h *StudioHandler) DeleteSession(c *gin.Context) {
	if err := h.studio.DeleteSession(c.Param("session_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

func (h *StudioHandler) ClearAllSessions(c *gin.Context) {
	deleted, err := h.studio.ClearAllSessions()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All sessions cleared", "deleted": deleted})
}

func (h *StudioHandler) UpdateForm(c *gin.Context) {
	var req model.FormUpdateRequest
	if err := bindJSONNumbers(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.studio.UpdateForm(c.Param("session_id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// UploadSource multipart 字段 file
func (h *StudioHandler) UploadSource(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required: " + err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	state, err := h.studio.UploadSource(c.Request.Context(), c.Param("session_id"), fh.Filename, f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) ClearSource(c *gin.Context) {
	state, err := h.studio.ClearSource(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) Describe(c *gin.Context) {
	state, err := h.studio.Describe(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) SetMaskMode(c *gin.Context) {
	var req model.MaskModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.studio.SetMaskMode(c.Param("session_id"), req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) MaskClick(c *gin.Context) {
	var req model.MaskClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.studio.MaskClick(c.Param("session_id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) Stroke(c *gin.Context) {
	var req model.StrokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.studio.Stroke(c.Param("session_id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) ClearMask(c *gin.Context) {
	state, err := h.studio.ClearMask(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) MaskPreview(c *gin.Context) {
	data, err := h.studio.MaskPreview(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// Generate 立即返回 pending 条目，结果通过事件流推送
func (h *StudioHandler) Generate(c *gin.Context) {
	entry, err := h.studio.Submit(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, entry)
}

func (h *StudioHandler) SetRepeat(c *gin.Context) {
	var req model.RepeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.studio.SetRepeat(c.Param("session_id"), req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *StudioHandler) GetEntries(c *gin.Context) {
	entries, err := h.studio.Entries(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *StudioHandler) Retry(c *gin.Context) {
	index, ok := entryIndex(c)
	if !ok {
		return
	}

	var req model.RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mod, err := ledger.ParseModification(req.Modification)
	if err != nil {
		respondError(c, err)
		return
	}

	entry, err := h.studio.Retry(c.Param("session_id"), index, mod)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, entry)
}

func (h *StudioHandler) Share(c *gin.Context) {
	index, ok := entryIndex(c)
	if !ok {
		return
	}

	rec, err := h.studio.Export(c.Param("session_id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Events 推送工作区事件。连接建立时先发送一次当前状态。
func (h *StudioHandler) Events(c *gin.Context) {
	sessionID := c.Param("session_id")

	events, cancel, err := h.studio.Subscribe(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	state, err := h.studio.State(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)
	if err := sseWriter.WriteJSON("state", state); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				sseWriter.Close()
				return
			}
			if err := sseWriter.WriteJSON(ev.Type, ev); err != nil {
				logger.Warnf("Failed to write SSE for %s: %v", sessionID, err)
				return
			}
		case <-heartbeat.C:
			if err := sseWriter.Comment("heartbeat"); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func entryIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return 0, false
	}
	return index, true
}

// statusFor 错误到 HTTP 状态码的映射
// bindJSONNumbers 数字保留为 json.Number，超过 2^53 的种子不丢精度
func bindJSONNumbers(c *gin.Context, obj any) error {
	if c.Request.Body == nil {
		return errors.New("missing request body")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(obj); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(obj)
}

func statusFor(err error) int {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrEntryNotFound),
		errors.Is(err, ledger.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, builder.ErrInvalidInput),
		errors.Is(err, builder.ErrNoSourceImage),
		errors.Is(err, service.ErrWrongMode),
		errors.Is(err, mask.ErrInvalidViewport),
		errors.Is(err, mask.ErrInvalidPoint),
		errors.Is(err, ledger.ErrUnknownModification),
		errors.Is(err, ledger.ErrNoResultImage),
		errors.Is(err, ledger.ErrMissingParameter),
		errors.Is(err, describe.ErrDisabled):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr),
		errors.Is(err, client.ErrUpload),
		errors.Is(err, client.ErrDescribe),
		errors.Is(err, client.ErrFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
