package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"

	"purepale-studio/internal/builder"
	"purepale-studio/internal/ledger"
	"purepale-studio/internal/mask"
	"purepale-studio/internal/model"
	"purepale-studio/pkg/logger"

	_ "golang.org/x/image/webp"
)

// workspace 一个会话的界面状态与台账。mu 保护 state、busy、repeat。
type workspace struct {
	id     string
	mu     sync.Mutex
	state  *builder.UIState
	ledger *ledger.Ledger
	busy   bool
	repeat bool
}

func (w *workspace) snapshot() model.WorkspaceState {
	st := w.state.Snapshot(w.id)
	st.Busy = w.busy
	st.Repeat = w.repeat
	return st
}

func (w *workspace) isBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// State 工作区界面状态
func (s *StudioService) State(sessionID string) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.snapshot(), nil
}

// UpdateForm 修改模型与参数。参数逐键覆盖，null 表示清空该键。
func (s *StudioService) UpdateForm(sessionID string, req model.FormUpdateRequest) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}

	if req.Model != nil && *req.Model != "" {
		info, err := s.Info()
		if err != nil {
			return model.WorkspaceState{}, err
		}
		if !info.SupportsModel(*req.Model) {
			return model.WorkspaceState{}, &builder.ValidationError{Field: "model", Value: *req.Model, Reason: "not supported by the backend"}
		}
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if req.Model != nil {
		ws.state.Model = *req.Model
	}
	for k, v := range req.Parameters {
		if v == nil {
			delete(ws.state.Parameters, k)
			continue
		}
		ws.state.Parameters[k] = v
	}
	return ws.snapshot(), nil
}

// UploadSource 上传源图并切换到图生图，旧遮罩全部丢弃
func (s *StudioService) UploadSource(ctx context.Context, sessionID, filename string, r io.Reader) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	if ws.isBusy() {
		return model.WorkspaceState{}, ErrBusy
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxUploadBytes+1))
	if err != nil {
		return model.WorkspaceState{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return model.WorkspaceState{}, &builder.ValidationError{Field: "file", Value: filename, Reason: "file too large"}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.WorkspaceState{}, &builder.ValidationError{Field: "file", Value: filename, Reason: "not a supported image"}
	}
	if err := s.checkSourceSize("file", cfg.Width, cfg.Height); err != nil {
		return model.WorkspaceState{}, err
	}

	path, err := s.backend.Upload(ctx, filename, bytes.NewReader(data))
	if err != nil {
		return model.WorkspaceState{}, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.busy {
		return model.WorkspaceState{}, ErrBusy
	}
	ws.state.SetSourceImage(path, cfg.Width, cfg.Height)

	logger.Infof("session %s source image %s (%dx%d)", sessionID, path, cfg.Width, cfg.Height)
	return ws.snapshot(), nil
}

func (s *StudioService) ClearSource(sessionID string) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.busy {
		return model.WorkspaceState{}, ErrBusy
	}

	ws.state.ClearSourceImage()
	return ws.snapshot(), nil
}

func (s *StudioService) SetMaskMode(sessionID, mode string) (model.WorkspaceState, error) {
	m, err := builder.ParseMaskMode(mode)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.busy {
		return model.WorkspaceState{}, ErrBusy
	}

	ws.state.MaskMode = m
	return ws.snapshot(), nil
}

// MaskClick 矩形模式下的一次点击；第二次点击提交一个矩形
func (s *StudioService) MaskClick(sessionID string, req model.MaskClickRequest) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.busy {
		return model.WorkspaceState{}, ErrBusy
	}

	if ws.state.MaskMode != builder.MaskRectangle {
		return model.WorkspaceState{}, fmt.Errorf("%w: mask click needs rectangle mode", ErrWrongMode)
	}
	mapper, err := ws.state.Mapper(req.Viewport)
	if err != nil {
		return model.WorkspaceState{}, err
	}

	p, err := mapper.Map(req.ClientX, req.ClientY)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	if region, done := ws.state.Rectangles.Click(p); done {
		logger.Debugf("session %s rectangle %+v", sessionID, region)
	}
	return ws.snapshot(), nil
}

// Stroke 自由绘制的指针事件
func (s *StudioService) Stroke(sessionID string, req model.StrokeRequest) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.state.MaskMode != builder.MaskFreehand {
		return model.WorkspaceState{}, fmt.Errorf("%w: stroke needs freehand mode", ErrWrongMode)
	}
	if req.LineWidth < 0 || req.LineWidth > mask.MaxLineWidth {
		return model.WorkspaceState{}, &builder.ValidationError{Field: "line_width", Value: req.LineWidth, Reason: fmt.Sprintf("must be between 1 and %d", mask.MaxLineWidth)}
	}
	canvas := ws.state.Canvas

	switch req.Event {
	case "down", "move":
		// 生成进行中只允许结束笔画
		if ws.busy {
			return model.WorkspaceState{}, ErrBusy
		}
		mapper, err := ws.state.Mapper(req.Viewport)
		if err != nil {
			return model.WorkspaceState{}, err
		}
		p, err := mapper.Map(req.ClientX, req.ClientY)
		if err != nil {
			return model.WorkspaceState{}, err
		}
		if req.LineWidth > 0 {
			canvas.SetLineWidth(req.LineWidth)
		}
		if req.Event == "down" {
			canvas.PointerDown(p)
		} else {
			canvas.PointerMove(p)
		}
	case "up":
		canvas.PointerUp()
	case "leave":
		canvas.PointerLeave()
	default:
		return model.WorkspaceState{}, &builder.ValidationError{Field: "event", Value: req.Event, Reason: "expected down, move, up or leave"}
	}
	return ws.snapshot(), nil
}

// ClearMask 清除矩形与位图，保留源图
func (s *StudioService) ClearMask(sessionID string) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.busy {
		return model.WorkspaceState{}, ErrBusy
	}

	ws.state.ClearMask()
	return ws.snapshot(), nil
}

// MaskPreview 位图遮罩的缩略 PNG
func (s *StudioService) MaskPreview(sessionID string) ([]byte, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return nil, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.state.SourceImage == "" {
		return nil, builder.ErrNoSourceImage
	}
	return ws.state.Canvas.Preview(s.studio.PreviewMaxSize)
}

// Describe 为源图生成提示词，并填入表单
func (s *StudioService) Describe(ctx context.Context, sessionID string) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}

	ws.mu.Lock()
	if ws.busy {
		ws.mu.Unlock()
		return model.WorkspaceState{}, ErrBusy
	}
	path := ws.state.SourceImage
	ws.mu.Unlock()

	if path == "" {
		return model.WorkspaceState{}, builder.ErrNoSourceImage
	}

	prompt, err := s.describer.Describe(ctx, path)
	if err != nil {
		return model.WorkspaceState{}, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.state.PromptFromImage = prompt
	ws.state.Parameters[model.ParamPrompt] = prompt
	return ws.snapshot(), nil
}

// Entries 台账，最新在前
func (s *StudioService) Entries(sessionID string) ([]model.ResultEntry, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return nil, err
	}
	return ws.ledger.Entries()
}

func (s *StudioService) Export(sessionID string, index int) (model.SharedRecord, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.SharedRecord{}, err
	}
	return ws.ledger.ExportForSharing(index)
}

// checkSourceSize 源图像素数不超过 studio.max_source_pixels
func (s *StudioService) checkSourceSize(field string, width, height int) error {
	if width <= 0 || height <= 0 {
		return &builder.ValidationError{Field: field, Value: fmt.Sprintf("%dx%d", width, height), Reason: "image has no pixels"}
	}
	if int64(width)*int64(height) > s.studio.MaxSourcePixels {
		return &builder.ValidationError{Field: field, Value: fmt.Sprintf("%dx%d", width, height), Reason: fmt.Sprintf("image exceeds %d pixels", s.studio.MaxSourcePixels)}
	}
	return nil
}
