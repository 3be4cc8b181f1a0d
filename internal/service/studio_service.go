// Package service 管理工作区：表单、源图、遮罩、结果台账，以及提交与重复生成流程。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"purepale-studio/internal/builder"
	"purepale-studio/internal/config"
	"purepale-studio/internal/describe"
	"purepale-studio/internal/ledger"
	"purepale-studio/internal/metrics"
	"purepale-studio/internal/model"
	"purepale-studio/internal/storage"
	"purepale-studio/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrBusy       = errors.New("a generation is already in progress")
	ErrNotStarted = errors.New("studio service not started")
	ErrWrongMode  = errors.New("operation not available in the current mask mode")
)

// Backend 生成后端
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
	Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error)
	Info(ctx context.Context) (*model.Info, error)
}

type Options struct {
	Store     storage.Storage
	Backend   Backend
	Describer describe.Describer
	Metrics   *metrics.Metrics

	Studio          config.StudioConfig
	Session         config.SessionConfig
	GenerateTimeout time.Duration
	MaxUploadBytes  int64
}

type StudioService struct {
	store     storage.Storage
	backend   Backend
	builder   *builder.Builder
	describer describe.Describer
	metrics   *metrics.Metrics
	events    *broker

	studio          config.StudioConfig
	session         config.SessionConfig
	generateTimeout time.Duration
	maxUploadBytes  int64

	mu         sync.RWMutex
	workspaces map[string]*workspace
	info       *model.Info

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// DefaultMaxSourcePixels 源图像素数上限的默认值
const DefaultMaxSourcePixels = 4096 * 4096

func NewStudioService(opts Options) *StudioService {
	if opts.Studio.StepIncrement <= 0 {
		opts.Studio.StepIncrement = ledger.DefaultStepIncrement
	}
	if opts.Studio.MaxSourcePixels <= 0 {
		opts.Studio.MaxSourcePixels = DefaultMaxSourcePixels
	}
	if opts.Studio.DefaultTitle == "" {
		opts.Studio.DefaultTitle = "新画布"
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 10 * time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}

	ctx, stop := context.WithCancel(context.Background())
	return &StudioService{
		ctx:             ctx,
		stop:            stop,
		store:           opts.Store,
		backend:         opts.Backend,
		builder:         builder.New(&maskUploader{backend: opts.Backend, metrics: opts.Metrics}),
		describer:       opts.Describer,
		metrics:         opts.Metrics,
		events:          newBroker(opts.Studio.EventBufferSize),
		studio:          opts.Studio,
		session:         opts.Session,
		generateTimeout: opts.GenerateTimeout,
		maxUploadBytes:  opts.MaxUploadBytes,
		workspaces:      make(map[string]*workspace),
	}
}

// Start 读取一次后端信息并缓存，失败时服务不可用。同时启动过期会话清理。
func (s *StudioService) Start(ctx context.Context) error {
	info, err := s.backend.Info(ctx)
	if err != nil {
		return fmt.Errorf("fetch backend info: %w", err)
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	logger.WithFields(logger.Fields{
		"models":   info.SupportedModels,
		"defaults": len(info.DefaultParameters),
	}).Info("backend info loaded")

	if s.session.CleanupInterval > 0 && s.session.TTL > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleanupOldSessions(s.ctx)
		}()
	}
	return nil
}

// Close 停止后台任务并取消进行中的生成，对应条目以失败结束
func (s *StudioService) Close() {
	s.stop()
	s.wg.Wait()
}

// Info 缓存的后端信息
func (s *StudioService) Info() (*model.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.info == nil {
		return nil, ErrNotStarted
	}
	out := &model.Info{
		DefaultParameters: s.info.DefaultParameters.Clone(),
		SupportedModels:   append([]string(nil), s.info.SupportedModels...),
	}
	return out, nil
}

func (s *StudioService) CreateSession(title string) (*model.SessionDetail, error) {
	info, err := s.Info()
	if err != nil {
		return nil, err
	}

	if title == "" {
		title = s.studio.DefaultTitle + " " + time.Now().Format("2006-01-02 15:04")
	}

	now := time.Now()
	session := &model.Session{
		ID:        uuid.NewString(),
		Title:     title,
		Entries:   make([]model.ResultEntry, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ws := s.newWorkspace(session.ID, info)
	s.mu.Lock()
	s.workspaces[session.ID] = ws
	count := len(s.workspaces)
	s.mu.Unlock()
	s.metrics.SetWorkspaces(count)

	logger.Infof("session created: %s (%s)", session.ID, title)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	return &model.SessionDetail{
		SessionResponse: model.NewSessionResponse(session),
		State:           ws.snapshot(),
	}, nil
}

func (s *StudioService) GetSession(sessionID string) (*model.SessionDetail, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	ws, err := s.workspace(sessionID)
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	return &model.SessionDetail{
		SessionResponse: model.NewSessionResponse(session),
		State:           ws.snapshot(),
	}, nil
}

func (s *StudioService) ListSessions() ([]model.SessionResponse, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]model.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, model.NewSessionResponse(session))
	}
	return out, nil
}

func (s *StudioService) UpdateSessionTitle(sessionID, title string) error {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	session.Title = title
	session.UpdatedAt = time.Now()
	if err := s.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (s *StudioService) DeleteSession(sessionID string) error {
	if err := s.store.DeleteSession(sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.dropWorkspace(sessionID)
	logger.Infof("session deleted: %s", sessionID)
	return nil
}

// ClearAllSessions 删除全部会话，返回删除数量
func (s *StudioService) ClearAllSessions() (int, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	deleted := 0
	for _, session := range sessions {
		if err := s.DeleteSession(session.ID); err != nil {
			logger.Errorf("Failed to delete session %s: %v", session.ID, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Subscribe 订阅工作区事件，返回的函数用于取消订阅
func (s *StudioService) Subscribe(sessionID string) (<-chan model.Event, func(), error) {
	if _, err := s.workspace(sessionID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.events.subscribe(sessionID)
	return ch, cancel, nil
}

// workspace 取内存中的工作区；服务重启后首次访问时从存储恢复
func (s *StudioService) workspace(sessionID string) (*workspace, error) {
	s.mu.RLock()
	ws, ok := s.workspaces[sessionID]
	s.mu.RUnlock()
	if ok {
		return ws, nil
	}

	info, err := s.Info()
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetSession(sessionID); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.mu.Lock()
	if existing, ok := s.workspaces[sessionID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	ws = s.newWorkspace(sessionID, info)
	s.workspaces[sessionID] = ws
	count := len(s.workspaces)
	s.mu.Unlock()
	s.metrics.SetWorkspaces(count)

	s.failInterrupted(ws)
	return ws, nil
}

// failInterrupted 恢复的工作区中仍为 pending 的条目已无人等待结果
func (s *StudioService) failInterrupted(ws *workspace) {
	pending, err := ws.ledger.Pending()
	if err != nil {
		logger.Errorf("Failed to load pending entries for %s: %v", ws.id, err)
		return
	}
	for _, e := range pending {
		_, err := s.store.ResolveEntry(ws.id, e.ID, model.Resolution{
			Status: model.StatusFailed,
			Path:   model.PathError,
			Error:  "interrupted by server restart",
		})
		if err != nil {
			logger.Errorf("Failed to fail interrupted entry %s: %v", e.ID, err)
			continue
		}
		logger.Warnf("entry %s in session %s was interrupted", e.ID, ws.id)
	}
}

func (s *StudioService) newWorkspace(sessionID string, info *model.Info) *workspace {
	defaults := model.DefaultParameters().Merge(info.DefaultParameters)

	modelName := ""
	if len(info.SupportedModels) > 0 {
		modelName = info.SupportedModels[0]
	}

	return &workspace{
		id:     sessionID,
		state:  builder.NewUIState(modelName, defaults, s.studio.LineWidth),
		ledger: ledger.New(s.store, sessionID, ledger.WithStepIncrement(s.studio.StepIncrement)),
	}
}

func (s *StudioService) dropWorkspace(sessionID string) {
	s.mu.Lock()
	delete(s.workspaces, sessionID)
	count := len(s.workspaces)
	s.mu.Unlock()

	s.metrics.SetWorkspaces(count)
	s.events.closeSession(sessionID)
}

func (s *StudioService) cleanupOldSessions(ctx context.Context) {
	ticker := time.NewTicker(s.session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(time.Now().Add(-s.session.TTL))
		}
	}
}

// cleanupOnce 删除 cutoff 之前未更新且没有进行中生成的会话
func (s *StudioService) cleanupOnce(cutoff time.Time) int {
	sessions, err := s.store.ListSessions()
	if err != nil {
		logger.Errorf("Failed to list sessions for cleanup: %v", err)
		return 0
	}

	removed := 0
	for _, session := range sessions {
		if !session.UpdatedAt.Before(cutoff) {
			continue
		}

		s.mu.RLock()
		ws, live := s.workspaces[session.ID]
		s.mu.RUnlock()
		if live && ws.isBusy() {
			continue
		}

		if err := s.DeleteSession(session.ID); err != nil {
			logger.Errorf("Failed to delete expired session %s: %v", session.ID, err)
			continue
		}
		logger.Infof("Cleaned up expired session: %s", session.ID)
		removed++
	}
	return removed
}
