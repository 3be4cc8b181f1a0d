package model

// MaskRegion 源图像素坐标下的矩形遮罩，始终满足 AX<=BX、AY<=BY
type MaskRegion struct {
	AX int `json:"a_x"`
	AY int `json:"a_y"`
	BX int `json:"b_x"`
	BY int `json:"b_y"`
}

// NewMaskRegion 由两个对角点构造矩形，按轴交换使 a<=b
func NewMaskRegion(x1, y1, x2, y2 int) MaskRegion {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return MaskRegion{AX: x1, AY: y1, BX: x2, BY: y2}
}

// GenerationRequest 发往 /api/generate 的请求体
type GenerationRequest struct {
	Model                *string      `json:"model,omitempty"`
	Parameters           Parameters   `json:"parameters"`
	PathInitialImage     *string      `json:"path_initial_image,omitempty"`
	PathInitialImageMask *string      `json:"path_initial_image_mask,omitempty"`
	InitialImageMasks    []MaskRegion `json:"initial_image_masks,omitempty"`
}

// Clone 深拷贝，返回值与原请求不共享任何可变状态
func (r GenerationRequest) Clone() GenerationRequest {
	out := GenerationRequest{
		Model:                cloneString(r.Model),
		Parameters:           r.Parameters.Clone(),
		PathInitialImage:     cloneString(r.PathInitialImage),
		PathInitialImageMask: cloneString(r.PathInitialImageMask),
	}
	if r.InitialImageMasks != nil {
		out.InitialImageMasks = append([]MaskRegion(nil), r.InitialImageMasks...)
	}
	if out.Parameters == nil {
		out.Parameters = Parameters{}
	}
	return out
}

// IsImg2Img 是否以已有图片为起点
func (r GenerationRequest) IsImg2Img() bool {
	return r.PathInitialImage != nil && *r.PathInitialImage != ""
}

// IsMasked 是否带遮罩（位图或矩形）
func (r GenerationRequest) IsMasked() bool {
	if !r.IsImg2Img() {
		return false
	}
	return (r.PathInitialImageMask != nil && *r.PathInitialImageMask != "") || len(r.InitialImageMasks) > 0
}

// ClearMask 清除所有遮罩引用
func (r *GenerationRequest) ClearMask() {
	r.PathInitialImageMask = nil
	r.InitialImageMasks = nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr 返回 s 的指针，空串返回 nil
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type UpdateSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// FormUpdateRequest 修改表单。Parameters 中的键逐个覆盖，值为 null 表示清空。
type FormUpdateRequest struct {
	Model      *string    `json:"model"`
	Parameters Parameters `json:"parameters"`
}

type MaskModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// Viewport 图片在页面上的显示位置，用于把指针坐标映射回源图像素
type Viewport struct {
	Left            float64 `json:"left"`
	Top             float64 `json:"top"`
	DisplayedHeight float64 `json:"displayed_height"`
}

type MaskClickRequest struct {
	ClientX  float64  `json:"client_x"`
	ClientY  float64  `json:"client_y"`
	Viewport Viewport `json:"viewport"`
}

// StrokeRequest 自由绘制指针事件：down、move、up、leave
type StrokeRequest struct {
	Event     string   `json:"event" binding:"required"`
	ClientX   float64  `json:"client_x"`
	ClientY   float64  `json:"client_y"`
	Viewport  Viewport `json:"viewport"`
	LineWidth int      `json:"line_width,omitempty"`
}

type RepeatRequest struct {
	Enabled bool `json:"enabled"`
}

// RetryRequest 修改方式：fresh_seed、more_steps、from_result
type RetryRequest struct {
	Modification string `json:"modification" binding:"required"`
}

type Img2PromptRequest struct {
	Path string `json:"path"`
}
