// Package ledger 维护一个工作区的生成结果台账：最新在前，条目先以 pending 插入，之后恰好 resolve 一次。
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"purepale-studio/internal/model"
	"purepale-studio/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrHandleResolved      = errors.New("handle already resolved")
	ErrForeignHandle       = errors.New("handle belongs to another ledger")
	ErrIndexOutOfRange     = errors.New("entry index out of range")
	ErrNoResultImage       = errors.New("entry has no result image")
	ErrMissingParameter    = errors.New("missing parameter")
	ErrUnknownModification = errors.New("unknown retry modification")
)

// DefaultStepIncrement more_steps 重试默认增加的步数
const DefaultStepIncrement = 10

// Handle 指向一个 pending 条目，只能用于一次 Resolve
type Handle struct {
	sessionID string
	entry     model.ResultEntry
	resolved  atomic.Bool
}

func (h *Handle) EntryID() string {
	return h.entry.ID
}

// Entry 提交时的 pending 条目快照
func (h *Handle) Entry() model.ResultEntry {
	return h.entry.Clone()
}

func (h *Handle) Resolved() bool {
	return h.resolved.Load()
}

// Outcome 一次生成的结果
type Outcome struct {
	status  model.EntryStatus
	path    string
	message string
	result  *model.GenerationResult
	request *model.GenerationRequest
}

// Success 生成成功，条目 path 取结果路径
func Success(result *model.GenerationResult) Outcome {
	o := Outcome{status: model.StatusSucceeded}
	if result != nil {
		r := *result
		o.result = &r
		o.path = result.Path
	}
	return o
}

// Failure 生成失败，条目 path 置为错误哨兵
func Failure(message string) Outcome {
	return Outcome{status: model.StatusFailed, path: model.PathError, message: message}
}

// WithRequest 记录实际发送的请求（例如上传遮罩后补上的遮罩路径）
func (o Outcome) WithRequest(req model.GenerationRequest) Outcome {
	r := req.Clone()
	o.request = &r
	return o
}

func (o Outcome) Succeeded() bool {
	return o.status == model.StatusSucceeded
}

type Option func(*Ledger)

func WithStepIncrement(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.stepIncrement = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

type Ledger struct {
	store         storage.Storage
	sessionID     string
	stepIncrement int
	now           func() time.Time
}

func New(store storage.Storage, sessionID string, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		sessionID:     sessionID,
		stepIncrement: DefaultStepIncrement,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) SessionID() string {
	return l.sessionID
}

// Submit 在最前面插入一个 pending 条目，path 为 loading 哨兵
func (l *Ledger) Submit(req model.GenerationRequest) (*Handle, error) {
	entry := model.ResultEntry{
		ID:        uuid.NewString(),
		SessionID: l.sessionID,
		Request:   req.Clone(),
		Path:      model.PathLoading,
		Status:    model.StatusPending,
		CreatedAt: l.now(),
	}

	if err := l.store.PrependEntry(l.sessionID, &entry); err != nil {
		return nil, fmt.Errorf("submit entry: %w", err)
	}

	return &Handle{sessionID: l.sessionID, entry: entry}, nil
}

// Resolve 把 handle 对应的条目置为终态。同一个 handle 第二次调用返回 ErrHandleResolved。
func (l *Ledger) Resolve(h *Handle, outcome Outcome) (model.ResultEntry, error) {
	if h == nil {
		return model.ResultEntry{}, fmt.Errorf("resolve: nil handle")
	}
	if h.sessionID != l.sessionID {
		return model.ResultEntry{}, ErrForeignHandle
	}
	if !h.resolved.CompareAndSwap(false, true) {
		return model.ResultEntry{}, fmt.Errorf("%w: %s", ErrHandleResolved, h.entry.ID)
	}

	resolved, err := l.store.ResolveEntry(l.sessionID, h.entry.ID, model.Resolution{
		Status:     outcome.status,
		Path:       outcome.path,
		Error:      outcome.message,
		Result:     outcome.result,
		Request:    outcome.request,
		ResolvedAt: l.now(),
	})
	if err != nil {
		return model.ResultEntry{}, fmt.Errorf("resolve entry %s: %w", h.entry.ID, err)
	}
	return *resolved, nil
}

// Entries 最新在前
func (l *Ledger) Entries() ([]model.ResultEntry, error) {
	return l.store.GetEntries(l.sessionID)
}

func (l *Ledger) Pending() ([]model.ResultEntry, error) {
	return l.store.GetPendingEntries(l.sessionID)
}

// Entry 按显示位置取条目，0 为最新
func (l *Ledger) Entry(index int) (model.ResultEntry, error) {
	entries, err := l.Entries()
	if err != nil {
		return model.ResultEntry{}, err
	}
	if index < 0 || index >= len(entries) {
		return model.ResultEntry{}, fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, index, len(entries))
	}
	return entries[index], nil
}

// EffectiveRequest 条目请求的拷贝；未指定 seed 时补上后端回传的实际 seed
func EffectiveRequest(e model.ResultEntry) model.GenerationRequest {
	req := e.Request.Clone()
	if v, ok := req.Parameters[model.ParamSeed]; ok && v != nil {
		return req
	}
	if e.Result != nil && e.Result.Request != nil {
		if seed, ok := e.Result.Request.Parameters.Int(model.ParamSeed); ok {
			req.Parameters[model.ParamSeed] = seed
		}
	}
	return req
}

func promptEcho(raw json.RawMessage, prompt string) bool {
	if len(raw) == 0 {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == prompt
}
