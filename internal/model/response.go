package model

import (
	"encoding/json"
	"time"
)

// EntryStatus 结果条目状态：pending -> succeeded | failed，终态不可再变
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusSucceeded EntryStatus = "succeeded"
	StatusFailed    EntryStatus = "failed"
)

// 条目 path 的哨兵值
const (
	PathLoading = "loading"
	PathError   = "error"
)

// GenerationResult /api/generate 的成功响应
type GenerationResult struct {
	Path         string             `json:"path"`
	Request      *GenerationRequest `json:"request,omitempty"`
	Model        json.RawMessage    `json:"model,omitempty"`
	Scheduler    map[string]any     `json:"scheduler,omitempty"`
	ParsedPrompt json.RawMessage    `json:"parsed_prompt,omitempty"`
}

// ResultEntry 结果台账中的一条记录
type ResultEntry struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Request    GenerationRequest `json:"request"`
	Path       string            `json:"path"`
	Error      string            `json:"error,omitempty"`
	Status     EntryStatus       `json:"status"`
	Result     *GenerationResult `json:"result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// Clone 深拷贝
func (e ResultEntry) Clone() ResultEntry {
	out := e
	out.Request = e.Request.Clone()
	if e.Result != nil {
		r := *e.Result
		if e.Result.Request != nil {
			req := e.Result.Request.Clone()
			r.Request = &req
		}
		r.Model = append(json.RawMessage(nil), e.Result.Model...)
		r.ParsedPrompt = append(json.RawMessage(nil), e.Result.ParsedPrompt...)
		if e.Result.Scheduler != nil {
			r.Scheduler = Parameters(e.Result.Scheduler).Clone()
		}
		out.Result = &r
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func (e ResultEntry) IsPending() bool {
	return e.Status == StatusPending
}

// Resolution 条目从 pending 转为终态时写入的内容
type Resolution struct {
	Status     EntryStatus
	Path       string
	Error      string
	Result     *GenerationResult
	Request    *GenerationRequest
	ResolvedAt time.Time
}

// Apply 把终态写入条目
func (r Resolution) Apply(e *ResultEntry) {
	e.Status = r.Status
	e.Path = r.Path
	e.Error = r.Error
	e.Result = r.Result
	if r.Request != nil {
		e.Request = r.Request.Clone()
	}
	t := r.ResolvedAt
	e.ResolvedAt = &t
}

// Session 一个工作区，Entries 为台账，最新在前
type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Entries   []ResultEntry `json:"entries"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone 深拷贝
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Entries != nil {
		out.Entries = make([]ResultEntry, len(s.Entries))
		for i, e := range s.Entries {
			out.Entries[i] = e.Clone()
		}
	}
	return &out
}

type SessionResponse struct {
	SessionID  string    `json:"session_id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	EntryCount int       `json:"entry_count,omitempty"`
}

// Info /api/info 响应
type Info struct {
	DefaultParameters Parameters `json:"default_parameters"`
	SupportedModels   []string   `json:"supported_models"`
}

// SupportsModel 模型列表为空时不做限制
func (i *Info) SupportsModel(name string) bool {
	if i == nil || len(i.SupportedModels) == 0 {
		return true
	}
	for _, m := range i.SupportedModels {
		if m == name {
			return true
		}
	}
	return false
}

type UploadResponse struct {
	Path string `json:"path"`
}

type Img2PromptResponse struct {
	Prompt string `json:"prompt"`
}

// SharedRecord 分享用的精简记录
type SharedRecord struct {
	Model         string          `json:"model,omitempty"`
	Parameters    Parameters      `json:"parameters"`
	Path          string          `json:"path"`
	Img2Img       bool            `json:"img2img,omitempty"`
	MaskedImg2Img bool            `json:"masked_img2img,omitempty"`
	InitialImage  string          `json:"initial_image,omitempty"`
	Masks         []MaskRegion    `json:"initial_image_masks,omitempty"`
	ModelConfig   json.RawMessage `json:"model_config,omitempty"`
	Scheduler     map[string]any  `json:"scheduler,omitempty"`
	ParsedPrompt  json.RawMessage `json:"parsed_prompt,omitempty"`
}

// WorkspaceState 工作区界面状态快照
type WorkspaceState struct {
	SessionID       string       `json:"session_id"`
	Model           string       `json:"model"`
	Parameters      Parameters   `json:"parameters"`
	SourceImage     string       `json:"source_image,omitempty"`
	SourceWidth     int          `json:"source_width,omitempty"`
	SourceHeight    int          `json:"source_height,omitempty"`
	MaskMode        string       `json:"mask_mode"`
	Rectangles      []MaskRegion `json:"rectangles,omitempty"`
	MaskPath        string       `json:"mask_path,omitempty"`
	MaskDirty       bool         `json:"mask_dirty"`
	PromptFromImage string       `json:"prompt_from_image,omitempty"`
	Busy            bool         `json:"busy"`
	Repeat          bool         `json:"repeat"`
}

// Event 推送给订阅者的工作区事件
type Event struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Entry     *ResultEntry `json:"entry,omitempty"`
	Busy      *bool        `json:"busy,omitempty"`
	Repeat    *bool        `json:"repeat,omitempty"`
	Message   string       `json:"message,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// 事件类型
const (
	EventEntrySubmitted = "entry_submitted"
	EventEntryResolved  = "entry_resolved"
	EventBusyChanged    = "busy_changed"
	EventRepeatChanged  = "repeat_changed"
	EventFormRestored   = "form_restored"
)

// SessionDetail 工作区概要加界面状态
type SessionDetail struct {
	SessionResponse
	State WorkspaceState `json:"state"`
}

// NewSessionResponse 会话元数据
func NewSessionResponse(s *Session) SessionResponse {
	return SessionResponse{
		SessionID:  s.ID,
		Title:      s.Title,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		EntryCount: len(s.Entries),
	}
}
