package builder

import (
	"purepale-studio/internal/mask"
	"purepale-studio/internal/model"
)

// MaskMode 当前遮罩方式，决定生成请求携带哪一种遮罩
type MaskMode string

const (
	MaskNone      MaskMode = "none"
	MaskRectangle MaskMode = "rectangle"
	MaskFreehand  MaskMode = "freehand"
)

func ParseMaskMode(s string) (MaskMode, error) {
	switch MaskMode(s) {
	case MaskNone, MaskRectangle, MaskFreehand:
		return MaskMode(s), nil
	case "":
		return MaskNone, nil
	default:
		return "", &ValidationError{Field: "mask_mode", Value: s, Reason: "expected none, rectangle or freehand"}
	}
}

// UIState 界面状态。Builder 只读取它，除了上传遮罩后回写遮罩路径与脏标记。
type UIState struct {
	Model           string
	Parameters      model.Parameters
	SourceImage     string
	SourceWidth     int
	SourceHeight    int
	MaskMode        MaskMode
	Rectangles      mask.RectangleTool
	Canvas          *mask.Canvas
	MaskPath        string
	PromptFromImage string
}

// NewUIState 以默认参数初始化表单
func NewUIState(modelName string, defaults model.Parameters, lineWidth int) *UIState {
	return &UIState{
		Model:      modelName,
		Parameters: defaults.Clone(),
		MaskMode:   MaskNone,
		Canvas:     mask.NewCanvas(0, 0, lineWidth),
	}
}

// SetSourceImage 更换源图，同时丢弃旧的矩形、位图、遮罩路径与脏标记
func (s *UIState) SetSourceImage(path string, width, height int) {
	s.SourceImage = path
	s.SourceWidth = width
	s.SourceHeight = height
	s.resetMask(width, height)
}

// ClearSourceImage 回到文生图，遮罩一并清除；图生文得到的提示词保留
func (s *UIState) ClearSourceImage() {
	s.SetSourceImage("", 0, 0)
}

// ClearMask 清除遮罩但保留源图
func (s *UIState) ClearMask() {
	s.resetMask(s.SourceWidth, s.SourceHeight)
}

func (s *UIState) resetMask(width, height int) {
	s.Rectangles.Reset()
	s.MaskPath = ""
	if s.Canvas == nil {
		s.Canvas = mask.NewCanvas(width, height, mask.DefaultLineWidth)
		return
	}
	s.Canvas.Reset(width, height)
}

// Mapper 基于源图高度与显示位置构造坐标映射
func (s *UIState) Mapper(vp model.Viewport) (mask.Mapper, error) {
	if s.SourceImage == "" {
		return mask.Mapper{}, ErrNoSourceImage
	}
	return mask.NewMapper(s.SourceHeight, vp)
}

// Snapshot 导出可序列化的状态
func (s *UIState) Snapshot(sessionID string) model.WorkspaceState {
	return model.WorkspaceState{
		SessionID:       sessionID,
		Model:           s.Model,
		Parameters:      s.Parameters.Clone(),
		SourceImage:     s.SourceImage,
		SourceWidth:     s.SourceWidth,
		SourceHeight:    s.SourceHeight,
		MaskMode:        string(s.MaskMode),
		Rectangles:      s.Rectangles.Regions(),
		MaskPath:        s.MaskPath,
		MaskDirty:       s.Canvas != nil && s.Canvas.Dirty(),
		PromptFromImage: s.PromptFromImage,
	}
}
