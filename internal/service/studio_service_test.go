package service

import (
	"bytes"
	"context"
	"errors"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"purepale-studio/internal/builder"
	"purepale-studio/internal/config"
	"purepale-studio/internal/describe"
	"purepale-studio/internal/ledger"
	"purepale-studio/internal/metrics"
	"purepale-studio/internal/model"
	"purepale-studio/internal/storage"
	"purepale-studio/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	infoErr   error
	uploads   []string
	uploadErr func(filename string) error
	requests  []model.GenerationRequest
	generate  func(n int, req model.GenerationRequest) (*model.GenerationResult, error)
	prompt    string

	// maskGate 非空时遮罩上传先通知 maskStarted，再等待放行
	maskGate    chan struct{}
	maskStarted chan struct{}
}

func (f *fakeBackend) Info(context.Context) (*model.Info, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &model.Info{
		DefaultParameters: model.Parameters{model.ParamSteps: int64(50), model.ParamWidth: int64(512), model.ParamHeight: int64(512)},
		SupportedModels:   []string{"sd-1.5", "sd-2.1"},
	}, nil
}

func (f *fakeBackend) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	if filename == builder.MaskFileName && f.maskGate != nil {
		f.maskStarted <- struct{}{}
		<-f.maskGate
	}
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		if err := f.uploadErr(filename); err != nil {
			return "", err
		}
	}
	f.uploads = append(f.uploads, filename)
	return fmt.Sprintf("images/uploaded_%d_%s", len(f.uploads), filename), nil
}

func (f *fakeBackend) Generate(_ context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req.Clone())
	n := len(f.requests)
	gen := f.generate
	f.mu.Unlock()

	if gen != nil {
		return gen(n, req)
	}
	return &model.GenerationResult{Path: fmt.Sprintf("images/%d.png", n)}, nil
}

func (f *fakeBackend) Img2Prompt(context.Context, string) (string, error) {
	return f.prompt, nil
}

func (f *fakeBackend) calls() []model.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.GenerationRequest(nil), f.requests...)
}

func (f *fakeBackend) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

func newTestService(t *testing.T, backend *fakeBackend) *StudioService {
	t.Helper()
	logger.SetOutput(io.Discard)

	svc := NewStudioService(Options{
		Store:     storage.NewMemoryStorage(),
		Backend:   backend,
		Describer: describe.NewBackend(backend),
		Metrics:   metrics.New(),
		Studio: config.StudioConfig{
			StepIncrement:  10,
			LineWidth:      4,
			PreviewMaxSize: 32,
		},
		GenerateTimeout: 5 * time.Second,
	})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Close)
	return svc
}

func waitIdle(t *testing.T, svc *StudioService, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := svc.State(sessionID)
		return err == nil && !st.Busy
	}, 5*time.Second, 5*time.Millisecond)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestStartFailsWhenInfoUnavailable(t *testing.T) {
	svc := NewStudioService(Options{Store: storage.NewMemoryStorage(), Backend: &fakeBackend{infoErr: errors.New("connection refused")}})
	err := svc.Start(context.Background())
	assert.Error(t, err)

	_, err = svc.CreateSession("")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestNewSessionUsesBackendDefaults(t *testing.T) {
	svc := newTestService(t, &fakeBackend{})

	detail, err := svc.CreateSession("")
	require.NoError(t, err)
	assert.Contains(t, detail.Title, "新画布")
	assert.Equal(t, "sd-1.5", detail.State.Model)
	assert.Equal(t, int64(50), detail.State.Parameters[model.ParamSteps])
	assert.Equal(t, "none", detail.State.MaskMode)
}

func TestSubmitResolvesEntry(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, err := svc.CreateSession("t")
	require.NoError(t, err)
	id := detail.SessionID

	_, err = svc.UpdateForm(id, model.FormUpdateRequest{Parameters: model.Parameters{
		model.ParamSeed:  "",
		model.ParamSteps: "20",
	}})
	require.NoError(t, err)

	pending, err := svc.Submit(id)
	require.NoError(t, err)
	assert.Equal(t, model.PathLoading, pending.Path)
	assert.Equal(t, model.StatusPending, pending.Status)

	waitIdle(t, svc, id)

	entries, err := svc.Entries(id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "images/1.png", entries[0].Path)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, model.StatusSucceeded, entries[0].Status)

	calls := backend.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Parameters[model.ParamSeed])
	assert.Equal(t, int64(20), calls[0].Parameters[model.ParamSteps])
	assert.Nil(t, calls[0].PathInitialImage)

	// 重复开关关闭，不会自动再提交
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, backend.calls(), 1)
}

func TestSubmitRejectsMalformedSeed(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")

	_, err := svc.UpdateForm(detail.SessionID, model.FormUpdateRequest{Parameters: model.Parameters{model.ParamSeed: "abc"}})
	require.NoError(t, err)

	_, err = svc.Submit(detail.SessionID)
	assert.ErrorIs(t, err, builder.ErrInvalidInput)

	entries, _ := svc.Entries(detail.SessionID)
	assert.Empty(t, entries)
	assert.Empty(t, backend.calls())
}

func TestUpdateFormRejectsUnknownModel(t *testing.T) {
	svc := newTestService(t, &fakeBackend{})
	detail, _ := svc.CreateSession("t")

	name := "dall-e"
	_, err := svc.UpdateForm(detail.SessionID, model.FormUpdateRequest{Model: &name})
	assert.ErrorIs(t, err, builder.ErrInvalidInput)
}

func TestSubmitWhileBusyIsRefused(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{generate: func(n int, _ model.GenerationRequest) (*model.GenerationResult, error) {
		<-release
		return &model.GenerationResult{Path: "images/slow.png"}, nil
	}}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, err := svc.Submit(id)
	require.NoError(t, err)

	_, err = svc.Submit(id)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = svc.Describe(context.Background(), id)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitIdle(t, svc, id)

	entries, _ := svc.Entries(id)
	assert.Len(t, entries, 1)
}

func TestGenerationFailureRestoresPrompt(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{generate: func(int, model.GenerationRequest) (*model.GenerationResult, error) {
		<-release
		return nil, errors.New("CUDA out of memory")
	}}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	events, cancel, err := svc.Subscribe(id)
	require.NoError(t, err)
	defer cancel()

	_, err = svc.UpdateForm(id, model.FormUpdateRequest{Parameters: model.Parameters{model.ParamPrompt: "a red fox"}})
	require.NoError(t, err)
	_, err = svc.Submit(id)
	require.NoError(t, err)

	// 等待期间表单被改动
	_, err = svc.UpdateForm(id, model.FormUpdateRequest{Parameters: model.Parameters{model.ParamPrompt: "something else"}})
	require.NoError(t, err)
	close(release)
	waitIdle(t, svc, id)

	entries, _ := svc.Entries(id)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusFailed, entries[0].Status)
	assert.Equal(t, model.PathError, entries[0].Path)
	assert.Contains(t, entries[0].Error, "CUDA out of memory")

	st, _ := svc.State(id)
	assert.Equal(t, "a red fox", st.Parameters[model.ParamPrompt])

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, model.EventEntrySubmitted)
	assert.Contains(t, types, model.EventEntryResolved)
	assert.Contains(t, types, model.EventFormRestored)
}

func TestRepeatLoopResubmitsUntilDisabled(t *testing.T) {
	var svc *StudioService
	var id string
	backend := &fakeBackend{}
	backend.generate = func(n int, _ model.GenerationRequest) (*model.GenerationResult, error) {
		if n == 3 {
			_, err := svc.SetRepeat(id, false)
			assert.NoError(t, err)
		}
		return &model.GenerationResult{Path: fmt.Sprintf("images/%d.png", n)}, nil
	}
	svc = newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id = detail.SessionID

	_, err := svc.SetRepeat(id, true)
	require.NoError(t, err)
	_, err = svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	entries, _ := svc.Entries(id)
	require.Len(t, entries, 3)
	assert.Equal(t, "images/3.png", entries[0].Path)
	assert.Equal(t, "images/1.png", entries[2].Path)
	for _, e := range entries {
		assert.Equal(t, model.StatusSucceeded, e.Status)
	}
}

func TestRepeatLoopStopsOnFailure(t *testing.T) {
	backend := &fakeBackend{generate: func(n int, _ model.GenerationRequest) (*model.GenerationResult, error) {
		if n == 2 {
			return nil, errors.New("backend crashed")
		}
		return &model.GenerationResult{Path: fmt.Sprintf("images/%d.png", n)}, nil
	}}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, _ = svc.SetRepeat(id, true)
	_, err := svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	entries, _ := svc.Entries(id)
	require.Len(t, entries, 2)
	assert.Equal(t, model.StatusFailed, entries[0].Status)
	assert.Equal(t, model.StatusSucceeded, entries[1].Status)

	st, _ := svc.State(id)
	assert.False(t, st.Repeat)
}

func TestFreehandMaskUploadedOnlyWhenDirty(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	st, err := svc.UploadSource(context.Background(), id, "cat.png", bytes.NewReader(pngBytes(t, 128, 64)))
	require.NoError(t, err)
	assert.Equal(t, 128, st.SourceWidth)
	assert.Equal(t, 64, st.SourceHeight)

	_, err = svc.SetMaskMode(id, "freehand")
	require.NoError(t, err)

	vp := model.Viewport{Left: 10, Top: 10, DisplayedHeight: 32}
	_, err = svc.Stroke(id, model.StrokeRequest{Event: "down", ClientX: 12, ClientY: 12, Viewport: vp})
	require.NoError(t, err)
	st, err = svc.Stroke(id, model.StrokeRequest{Event: "move", ClientX: 30, ClientY: 20, Viewport: vp})
	require.NoError(t, err)
	assert.True(t, st.MaskDirty)
	_, err = svc.Stroke(id, model.StrokeRequest{Event: "up"})
	require.NoError(t, err)

	_, err = svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	_, err = svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	uploads := backend.uploaded()
	assert.Equal(t, []string{"cat.png", builder.MaskFileName}, uploads)

	calls := backend.calls()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[0].PathInitialImageMask)
	assert.Equal(t, *calls[0].PathInitialImageMask, *calls[1].PathInitialImageMask)
	assert.Equal(t, "images/uploaded_1_cat.png", *calls[1].PathInitialImage)

	st, _ = svc.State(id)
	assert.False(t, st.MaskDirty)

	preview, err := svc.MaskPreview(id)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(preview))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 32)
}

func TestMaskUploadFailureFailsEntry(t *testing.T) {
	backend := &fakeBackend{uploadErr: func(filename string) error {
		if filename == builder.MaskFileName {
			return errors.New("disk full")
		}
		return nil
	}}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, err := svc.UploadSource(context.Background(), id, "cat.png", bytes.NewReader(pngBytes(t, 64, 64)))
	require.NoError(t, err)
	_, _ = svc.SetMaskMode(id, "freehand")
	vp := model.Viewport{DisplayedHeight: 64}
	_, _ = svc.Stroke(id, model.StrokeRequest{Event: "down", ClientX: 5, ClientY: 5, Viewport: vp})
	_, _ = svc.Stroke(id, model.StrokeRequest{Event: "move", ClientX: 20, ClientY: 5, Viewport: vp})

	_, err = svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	entries, _ := svc.Entries(id)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusFailed, entries[0].Status)
	assert.Contains(t, entries[0].Error, "disk full")
	assert.Empty(t, backend.calls())

	st, _ := svc.State(id)
	assert.True(t, st.MaskDirty)
}

func TestRectangleMaskAndSourceReset(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, err := svc.MaskClick(id, model.MaskClickRequest{Viewport: model.Viewport{DisplayedHeight: 64}})
	assert.ErrorIs(t, err, ErrWrongMode)

	_, err = svc.UploadSource(context.Background(), id, "a.png", bytes.NewReader(pngBytes(t, 256, 256)))
	require.NoError(t, err)
	_, err = svc.SetMaskMode(id, "rectangle")
	require.NoError(t, err)

	vp := model.Viewport{Left: 0, Top: 0, DisplayedHeight: 128}
	_, err = svc.MaskClick(id, model.MaskClickRequest{ClientX: 60, ClientY: 50, Viewport: vp})
	require.NoError(t, err)
	st, err := svc.MaskClick(id, model.MaskClickRequest{ClientX: 10, ClientY: 20, Viewport: vp})
	require.NoError(t, err)
	require.Len(t, st.Rectangles, 1)
	assert.Equal(t, model.MaskRegion{AX: 20, AY: 40, BX: 120, BY: 100}, st.Rectangles[0])

	_, err = svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)
	calls := backend.calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].InitialImageMasks, 1)
	assert.Nil(t, calls[0].PathInitialImageMask)

	st, err = svc.UploadSource(context.Background(), id, "b.png", bytes.NewReader(pngBytes(t, 64, 64)))
	require.NoError(t, err)
	assert.Empty(t, st.Rectangles)
}

func TestUploadSourceRejectsNonImage(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")

	_, err := svc.UploadSource(context.Background(), detail.SessionID, "notes.txt", bytes.NewReader([]byte("hello")))
	assert.ErrorIs(t, err, builder.ErrInvalidInput)
	assert.Empty(t, backend.uploaded())
}

func TestRetryMoreStepsAndFromResult(t *testing.T) {
	backend := &fakeBackend{generate: func(n int, req model.GenerationRequest) (*model.GenerationResult, error) {
		echo := req.Clone()
		echo.Parameters[model.ParamSeed] = int64(777)
		return &model.GenerationResult{Path: fmt.Sprintf("images/%d.png", n), Request: &echo}, nil
	}}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, _ = svc.UpdateForm(id, model.FormUpdateRequest{Parameters: model.Parameters{model.ParamSteps: 20}})
	_, err := svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	_, err = svc.Retry(id, 0, ledger.RetryMoreSteps)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	calls := backend.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(30), calls[1].Parameters[model.ParamSteps])
	assert.Equal(t, int64(777), calls[1].Parameters[model.ParamSeed])

	entries, _ := svc.Entries(id)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(20), entries[1].Request.Parameters[model.ParamSteps])

	_, err = svc.Retry(id, 0, ledger.RetryFromResult)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	calls = backend.calls()
	require.Len(t, calls, 3)
	require.NotNil(t, calls[2].PathInitialImage)
	assert.Equal(t, "images/2.png", *calls[2].PathInitialImage)

	st, _ := svc.State(id)
	assert.Equal(t, "images/2.png", st.SourceImage)

	_, err = svc.Retry(id, 9, ledger.RetryFreshSeed)
	assert.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
}

func TestDescribeFillsPrompt(t *testing.T) {
	backend := &fakeBackend{prompt: " a watercolor harbor "}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, err := svc.Describe(context.Background(), id)
	assert.ErrorIs(t, err, builder.ErrNoSourceImage)

	_, err = svc.UploadSource(context.Background(), id, "a.png", bytes.NewReader(pngBytes(t, 64, 64)))
	require.NoError(t, err)

	st, err := svc.Describe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "a watercolor harbor", st.PromptFromImage)
	assert.Equal(t, "a watercolor harbor", st.Parameters[model.ParamPrompt])

	st, err = svc.ClearSource(id)
	require.NoError(t, err)
	assert.Empty(t, st.SourceImage)
	assert.Equal(t, "a watercolor harbor", st.PromptFromImage)
}

func TestExportSharedRecord(t *testing.T) {
	svc := newTestService(t, &fakeBackend{})
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, _ = svc.UpdateForm(id, model.FormUpdateRequest{Parameters: model.Parameters{model.ParamPrompt: "fox"}})
	_, err := svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	rec, err := svc.Export(id, 0)
	require.NoError(t, err)
	assert.Equal(t, "images/1.png", rec.Path)
	assert.False(t, rec.Img2Img)
	assert.False(t, rec.MaskedImg2Img)
	assert.Equal(t, "sd-1.5", rec.Model)
}

func TestRestoredWorkspaceFailsInterruptedEntries(t *testing.T) {
	logger.SetOutput(io.Discard)
	store := storage.NewMemoryStorage()
	require.NoError(t, store.CreateSession(&model.Session{ID: "s1", Title: "old", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.PrependEntry("s1", &model.ResultEntry{ID: "e1", Path: model.PathLoading, Status: model.StatusPending}))

	svc := NewStudioService(Options{Store: store, Backend: &fakeBackend{}})
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	entries, err := svc.Entries("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusFailed, entries[0].Status)
	assert.Equal(t, model.PathError, entries[0].Path)
}

func TestDeleteAndCleanup(t *testing.T) {
	svc := newTestService(t, &fakeBackend{})
	a, _ := svc.CreateSession("a")
	_, _ = svc.CreateSession("b")

	require.NoError(t, svc.DeleteSession(a.SessionID))
	_, err := svc.State(a.SessionID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	removed := svc.cleanupOnce(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)

	list, err := svc.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubscribeClosedOnDelete(t *testing.T) {
	svc := newTestService(t, &fakeBackend{})
	detail, _ := svc.CreateSession("a")

	events, cancel, err := svc.Subscribe(detail.SessionID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, svc.DeleteSession(detail.SessionID))
	_, open := <-events
	assert.False(t, open)
}

func TestMaskEditsRefusedWhileUploading(t *testing.T) {
	backend := &fakeBackend{maskGate: make(chan struct{}), maskStarted: make(chan struct{}, 1)}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, err := svc.UploadSource(context.Background(), id, "cat.png", bytes.NewReader(pngBytes(t, 64, 64)))
	require.NoError(t, err)
	_, err = svc.SetMaskMode(id, "freehand")
	require.NoError(t, err)
	vp := model.Viewport{DisplayedHeight: 64}
	_, err = svc.Stroke(id, model.StrokeRequest{Event: "down", ClientX: 5, ClientY: 5, Viewport: vp})
	require.NoError(t, err)
	_, err = svc.Stroke(id, model.StrokeRequest{Event: "move", ClientX: 40, ClientY: 40, Viewport: vp})
	require.NoError(t, err)

	_, err = svc.Submit(id)
	require.NoError(t, err)

	select {
	case <-backend.maskStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("mask upload never started")
	}

	// 上传进行中状态查询与重复开关不被阻塞
	done := make(chan struct{})
	go func() {
		defer close(done)
		st, err := svc.State(id)
		assert.NoError(t, err)
		assert.True(t, st.Busy)
		_, err = svc.SetRepeat(id, false)
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workspace locked during mask upload")
	}

	_, err = svc.ClearSource(id)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = svc.ClearMask(id)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = svc.SetMaskMode(id, "none")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = svc.Stroke(id, model.StrokeRequest{Event: "move", ClientX: 60, ClientY: 60, Viewport: vp})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = svc.Stroke(id, model.StrokeRequest{Event: "up"})
	assert.NoError(t, err)

	close(backend.maskGate)
	waitIdle(t, svc, id)

	calls := backend.calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].PathInitialImage)
	require.NotNil(t, calls[0].PathInitialImageMask)
	assert.Equal(t, "images/uploaded_2_mask.png", *calls[0].PathInitialImageMask)
	assert.Equal(t, []string{"cat.png", builder.MaskFileName}, backend.uploaded())

	st, err := svc.State(id)
	require.NoError(t, err)
	assert.Equal(t, "images/uploaded_2_mask.png", st.MaskPath)
	assert.False(t, st.MaskDirty)
}

// pngHeader 只有 IHDR 的 PNG，声明的尺寸没有任何像素数据
func pngHeader(width, height uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, width)
	chunk = binary.BigEndian.AppendUint32(chunk, height)
	chunk = append(chunk, 8, 6, 0, 0, 0)

	_ = binary.Write(&buf, binary.BigEndian, uint32(len(chunk)-4))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestUploadSourceRejectsOversizedImage(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")

	_, err := svc.UploadSource(context.Background(), detail.SessionID, "huge.png", bytes.NewReader(pngHeader(16000, 16000)))
	assert.ErrorIs(t, err, builder.ErrInvalidInput)
	assert.Empty(t, backend.uploaded())

	st, err := svc.State(detail.SessionID)
	require.NoError(t, err)
	assert.Empty(t, st.SourceImage)
}

func TestRetryFromOversizedResultRejected(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend)
	detail, _ := svc.CreateSession("t")
	id := detail.SessionID

	_, err := svc.UpdateForm(id, model.FormUpdateRequest{Parameters: model.Parameters{
		model.ParamWidth:  "65536",
		model.ParamHeight: "65536",
	}})
	require.NoError(t, err)
	_, err = svc.Submit(id)
	require.NoError(t, err)
	waitIdle(t, svc, id)

	_, err = svc.Retry(id, 0, ledger.RetryFromResult)
	assert.ErrorIs(t, err, builder.ErrInvalidInput)

	entries, err := svc.Entries(id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	st, err := svc.State(id)
	require.NoError(t, err)
	assert.Empty(t, st.SourceImage)
	assert.False(t, st.Busy)
}
