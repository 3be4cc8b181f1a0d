package service

import (
	"context"
	"io"
	"math"
	"time"

	"purepale-studio/internal/builder"
	"purepale-studio/internal/ledger"
	"purepale-studio/internal/metrics"
	"purepale-studio/internal/model"
	"purepale-studio/pkg/logger"
)

// job 一次已入账、等待后端结果的提交。mask 为提交时截取的待上传位图。
type job struct {
	ws      *workspace
	handle  *ledger.Handle
	req     model.GenerationRequest
	mask    *builder.PendingMask
	maskErr error
}

// Submit 以当前表单提交一次生成。校验失败不会产生台账条目；成功时返回 pending 条目，结果通过事件推送。
func (s *StudioService) Submit(sessionID string) (model.ResultEntry, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.ResultEntry{}, err
	}

	ws.mu.Lock()
	if ws.busy {
		ws.mu.Unlock()
		return model.ResultEntry{}, ErrBusy
	}
	j, err := s.prepare(ws, metrics.KindSubmit)
	ws.mu.Unlock()
	if err != nil {
		return model.ResultEntry{}, err
	}

	s.dispatch(j)
	return j.handle.Entry(), nil
}

// Retry 基于第 index 个条目重新提交。表单同步为派生出的请求，from_result 同时把结果图设为源图。
func (s *StudioService) Retry(sessionID string, index int, mod ledger.Modification) (model.ResultEntry, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.ResultEntry{}, err
	}

	ws.mu.Lock()
	if ws.busy {
		ws.mu.Unlock()
		return model.ResultEntry{}, ErrBusy
	}
	req, err := ws.ledger.RetryFrom(index, mod)
	if err != nil {
		ws.mu.Unlock()
		return model.ResultEntry{}, err
	}

	if err := s.applyToForm(ws, req); err != nil {
		ws.mu.Unlock()
		return model.ResultEntry{}, err
	}
	j, err := s.enqueue(ws, req, metrics.KindRetry)
	ws.mu.Unlock()
	if err != nil {
		return model.ResultEntry{}, err
	}

	s.dispatch(j)
	return j.handle.Entry(), nil
}

// SetRepeat 开关重复生成。关闭后当前这次生成结束即停止。
func (s *StudioService) SetRepeat(sessionID string, enabled bool) (model.WorkspaceState, error) {
	ws, err := s.workspace(sessionID)
	if err != nil {
		return model.WorkspaceState{}, err
	}

	ws.mu.Lock()
	changed := ws.repeat != enabled
	ws.repeat = enabled
	st := ws.snapshot()
	ws.mu.Unlock()

	if changed {
		s.events.publish(model.Event{Type: model.EventRepeatChanged, SessionID: sessionID, Repeat: boolPtr(enabled)})
	}
	return st, nil
}

// applyToForm 重试时把派生请求写回表单，调用方持有 ws.mu。结果图尺寸超限时表单不变。
func (s *StudioService) applyToForm(ws *workspace, req model.GenerationRequest) error {
	newSource := req.IsImg2Img() && *req.PathInitialImage != ws.state.SourceImage
	var width, height int64
	if newSource {
		width, _ = req.Parameters.Int(model.ParamWidth)
		height, _ = req.Parameters.Int(model.ParamHeight)
		// 缺少宽高时位图保持为空
		if width > 0 && height > 0 {
			if err := s.checkSourceSize("size", int(min(width, math.MaxInt32)), int(min(height, math.MaxInt32))); err != nil {
				return err
			}
		}
	}

	if req.Model != nil {
		ws.state.Model = *req.Model
	}
	ws.state.Parameters = req.Parameters.Clone()
	if newSource {
		ws.state.SetSourceImage(*req.PathInitialImage, int(width), int(height))
	}
	return nil
}

// prepare 以当前表单组装请求并截取位图遮罩后入账，调用方持有 ws.mu。
// 截取之后界面的任何修改都不影响这次提交。
func (s *StudioService) prepare(ws *workspace, kind string) (*job, error) {
	req, err := s.builder.Prepare(ws.state)
	if err != nil {
		return nil, err
	}
	pm, maskErr := s.builder.CaptureMask(ws.state, &req)

	j, err := s.enqueue(ws, req, kind)
	if err != nil {
		return nil, err
	}
	j.mask = pm
	j.maskErr = maskErr
	return j, nil
}

// enqueue 入账并置 busy，调用方持有 ws.mu
func (s *StudioService) enqueue(ws *workspace, req model.GenerationRequest, kind string) (*job, error) {
	h, err := ws.ledger.Submit(req)
	if err != nil {
		return nil, err
	}
	ws.busy = true
	s.metrics.Submitted(kind)

	entry := h.Entry()
	s.events.publish(model.Event{Type: model.EventEntrySubmitted, SessionID: ws.id, Entry: &entry})
	s.events.publish(model.Event{Type: model.EventBusyChanged, SessionID: ws.id, Busy: boolPtr(true)})

	logger.WithFields(logger.Fields{
		"session": ws.id,
		"entry":   h.EntryID(),
		"kind":    kind,
	}).Info("generation submitted")

	return &job{ws: ws, handle: h, req: req}, nil
}

func (s *StudioService) dispatch(j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(j)
	}()
}

// run 执行一次生成；重复开关打开且成功时继续以当前表单提交下一次
func (s *StudioService) run(j *job) {
	for j != nil {
		ok := s.execute(j)
		j = s.next(j.ws, ok)
	}
}

func (s *StudioService) execute(j *job) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.generateTimeout)
	defer cancel()

	ws := j.ws
	req := j.req

	if j.maskErr != nil {
		s.fail(j, req, j.maskErr)
		return false
	}
	if j.mask != nil {
		// 上传期间不持有 ws.mu
		path, err := s.builder.UploadMask(ctx, j.mask, &req)
		if err != nil {
			s.fail(j, req, err)
			return false
		}
		ws.mu.Lock()
		builder.CommitMask(ws.state, j.mask, path)
		ws.mu.Unlock()
	}

	result, err := s.backend.Generate(ctx, req)
	if err != nil {
		s.fail(j, req, err)
		return false
	}

	entry, err := ws.ledger.Resolve(j.handle, ledger.Success(result).WithRequest(req))
	if err != nil {
		logger.Errorf("Failed to resolve entry %s: %v", j.handle.EntryID(), err)
		return false
	}
	s.resolved(j, entry)
	return true
}

// fail 条目置为失败，提示词回填表单，重复生成停止
func (s *StudioService) fail(j *job, req model.GenerationRequest, cause error) {
	ws := j.ws
	logger.WithFields(logger.Fields{
		"session": ws.id,
		"entry":   j.handle.EntryID(),
	}).Warnf("generation failed: %v", cause)

	entry, err := ws.ledger.Resolve(j.handle, ledger.Failure(cause.Error()).WithRequest(req))
	if err != nil {
		logger.Errorf("Failed to resolve entry %s: %v", j.handle.EntryID(), err)
	} else {
		s.resolved(j, entry)
	}

	ws.mu.Lock()
	ws.state.Parameters[model.ParamPrompt] = req.Parameters.String(model.ParamPrompt)
	stopped := ws.repeat
	ws.repeat = false
	ws.mu.Unlock()

	s.events.publish(model.Event{Type: model.EventFormRestored, SessionID: ws.id, Message: cause.Error()})
	if stopped {
		s.events.publish(model.Event{Type: model.EventRepeatChanged, SessionID: ws.id, Repeat: boolPtr(false)})
	}
}

func (s *StudioService) resolved(j *job, entry model.ResultEntry) {
	s.metrics.Resolved(string(entry.Status), time.Since(j.handle.Entry().CreatedAt))
	s.events.publish(model.Event{Type: model.EventEntryResolved, SessionID: j.ws.id, Entry: &entry, Message: entry.Error})
}

// next 决定是否继续重复生成；不继续时清除 busy
func (s *StudioService) next(ws *workspace, succeeded bool) *job {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if succeeded && ws.repeat && s.alive(ws.id) {
		j, err := s.resubmit(ws)
		if err == nil {
			return j
		}
		logger.Warnf("repeat stopped for session %s: %v", ws.id, err)
		ws.repeat = false
		s.events.publish(model.Event{Type: model.EventRepeatChanged, SessionID: ws.id, Repeat: boolPtr(false)})
	}

	ws.busy = false
	s.events.publish(model.Event{Type: model.EventBusyChanged, SessionID: ws.id, Busy: boolPtr(false)})
	return nil
}

// resubmit 以当前表单再提交一次，调用方持有 ws.mu
func (s *StudioService) resubmit(ws *workspace) (*job, error) {
	return s.prepare(ws, metrics.KindRepeat)
}

// alive 会话未被删除
func (s *StudioService) alive(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workspaces[sessionID]
	return ok
}

// maskUploader 统计位图遮罩上传
type maskUploader struct {
	backend Backend
	metrics *metrics.Metrics
}

func (u *maskUploader) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	path, err := u.backend.Upload(ctx, filename, r)
	u.metrics.MaskUpload(err)
	return path, err
}
