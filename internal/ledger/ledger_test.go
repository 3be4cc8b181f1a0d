package ledger

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"purepale-studio/internal/model"
	"purepale-studio/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	store := storage.NewMemoryStorage()
	now := time.Now()
	require.NoError(t, store.CreateSession(&model.Session{ID: "s1", Title: "t", CreatedAt: now, UpdatedAt: now}))
	return New(store, "s1", opts...)
}

func request(prompt string, steps int64, seed any) model.GenerationRequest {
	return model.GenerationRequest{
		Parameters: model.Parameters{
			model.ParamPrompt: prompt,
			model.ParamSteps:  steps,
			model.ParamSeed:   seed,
		},
	}
}

func TestSubmitThenResolveSuccess(t *testing.T) {
	l := newLedger(t)

	h, err := l.Submit(request("a lighthouse", 20, nil))
	require.NoError(t, err)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.PathLoading, entries[0].Path)
	assert.Equal(t, model.StatusPending, entries[0].Status)
	assert.Empty(t, entries[0].Error)

	resolved, err := l.Resolve(h, Success(&model.GenerationResult{Path: "/img/1.png"}))
	require.NoError(t, err)
	assert.Equal(t, "/img/1.png", resolved.Path)
	assert.Equal(t, model.StatusSucceeded, resolved.Status)
	assert.Empty(t, resolved.Error)

	entries, err = l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/img/1.png", entries[0].Path)
}

func TestResolveFailureRecordsMessage(t *testing.T) {
	l := newLedger(t)
	h, err := l.Submit(request("x", 20, nil))
	require.NoError(t, err)

	resolved, err := l.Resolve(h, Failure("CUDA out of memory"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, resolved.Status)
	assert.Equal(t, model.PathError, resolved.Path)
	assert.Equal(t, "CUDA out of memory", resolved.Error)
}

func TestHandleIsSingleUse(t *testing.T) {
	l := newLedger(t)
	h, err := l.Submit(request("x", 20, nil))
	require.NoError(t, err)

	_, err = l.Resolve(h, Success(&model.GenerationResult{Path: "/img/1.png"}))
	require.NoError(t, err)
	assert.True(t, h.Resolved())

	_, err = l.Resolve(h, Failure("late"))
	assert.ErrorIs(t, err, ErrHandleResolved)

	e, err := l.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, "/img/1.png", e.Path)
}

func TestConcurrentResolveOneWinner(t *testing.T) {
	l := newLedger(t)
	h, err := l.Submit(request("x", 20, nil))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Resolve(h, Failure("x"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrHandleResolved)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestForeignHandleRejected(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Now()
	require.NoError(t, store.CreateSession(&model.Session{ID: "a", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.CreateSession(&model.Session{ID: "b", CreatedAt: now, UpdatedAt: now}))
	la, lb := New(store, "a"), New(store, "b")

	h, err := la.Submit(request("x", 1, nil))
	require.NoError(t, err)
	_, err = lb.Resolve(h, Failure("x"))
	assert.ErrorIs(t, err, ErrForeignHandle)
	assert.False(t, h.Resolved())
}

func TestOutOfOrderResolutionKeepsSubmissionOrder(t *testing.T) {
	l := newLedger(t)
	first, err := l.Submit(request("first", 20, nil))
	require.NoError(t, err)
	second, err := l.Submit(request("second", 20, nil))
	require.NoError(t, err)

	_, err = l.Resolve(second, Success(&model.GenerationResult{Path: "/img/2.png"}))
	require.NoError(t, err)
	_, err = l.Resolve(first, Failure("boom"))
	require.NoError(t, err)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Request.Parameters[model.ParamPrompt])
	assert.Equal(t, "/img/2.png", entries[0].Path)
	assert.Equal(t, "first", entries[1].Request.Parameters[model.ParamPrompt])
	assert.Equal(t, model.PathError, entries[1].Path)
}

func TestSubmitCopiesRequest(t *testing.T) {
	l := newLedger(t)
	req := request("original", 20, nil)
	_, err := l.Submit(req)
	require.NoError(t, err)

	req.Parameters[model.ParamPrompt] = "changed"

	e, err := l.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, "original", e.Request.Parameters[model.ParamPrompt])
}

func TestWithRequestReplacesEntryRequest(t *testing.T) {
	l := newLedger(t)
	src := "images/src.png"
	req := request("x", 20, nil)
	req.PathInitialImage = &src
	h, err := l.Submit(req)
	require.NoError(t, err)

	final := req.Clone()
	final.PathInitialImageMask = model.StringPtr("images/mask.png")
	_, err = l.Resolve(h, Success(&model.GenerationResult{Path: "/img/3.png"}).WithRequest(final))
	require.NoError(t, err)

	e, err := l.Entry(0)
	require.NoError(t, err)
	require.NotNil(t, e.Request.PathInitialImageMask)
	assert.Equal(t, "images/mask.png", *e.Request.PathInitialImageMask)
}

func succeededEntry(t *testing.T, l *Ledger, req model.GenerationRequest, serverSeed int64) {
	t.Helper()
	h, err := l.Submit(req)
	require.NoError(t, err)
	echo := req.Clone()
	echo.Parameters[model.ParamSeed] = serverSeed
	_, err = l.Resolve(h, Success(&model.GenerationResult{
		Path:         "images/out_1.png",
		Request:      &echo,
		ParsedPrompt: json.RawMessage(`"a cat"`),
	}))
	require.NoError(t, err)
}

func TestRetryFreshSeed(t *testing.T) {
	l := newLedger(t)
	succeededEntry(t, l, request("a cat", 20, int64(42)), 42)

	req, err := l.RetryFrom(0, RetryFreshSeed)
	require.NoError(t, err)
	seed, present := req.Parameters[model.ParamSeed]
	assert.True(t, present)
	assert.Nil(t, seed)
	assert.Equal(t, "a cat", req.Parameters[model.ParamPrompt])

	e, err := l.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.Request.Parameters[model.ParamSeed])
}

func TestRetryMoreStepsCarriesServerSeed(t *testing.T) {
	l := newLedger(t, WithStepIncrement(25))
	succeededEntry(t, l, request("a cat", 20, nil), 987654)

	req, err := l.RetryFrom(0, RetryMoreSteps)
	require.NoError(t, err)
	assert.Equal(t, int64(45), req.Parameters[model.ParamSteps])
	assert.Equal(t, int64(987654), req.Parameters[model.ParamSeed])

	e, err := l.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), e.Request.Parameters[model.ParamSteps])
	assert.Nil(t, e.Request.Parameters[model.ParamSeed])
}

func TestRetryMoreStepsAfterJSONRoundTrip(t *testing.T) {
	entry := model.ResultEntry{
		Status:  model.StatusFailed,
		Request: model.GenerationRequest{Parameters: model.Parameters{model.ParamSteps: float64(30), model.ParamSeed: float64(5)}},
	}
	req, err := Derive(entry, RetryMoreSteps, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(40), req.Parameters[model.ParamSteps])
}

func TestRetryMoreStepsMissingSteps(t *testing.T) {
	entry := model.ResultEntry{Request: model.GenerationRequest{Parameters: model.Parameters{}}}
	_, err := Derive(entry, RetryMoreSteps, 10)
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestRetryFromResultUsesImageAndClearsMask(t *testing.T) {
	l := newLedger(t)
	src := "images/src.png"
	req := request("a cat", 20, int64(7))
	req.PathInitialImage = &src
	req.PathInitialImageMask = model.StringPtr("images/mask.png")
	req.InitialImageMasks = []model.MaskRegion{{AX: 1, AY: 1, BX: 2, BY: 2}}
	succeededEntry(t, l, req, 7)

	next, err := l.RetryFrom(0, RetryFromResult)
	require.NoError(t, err)
	require.NotNil(t, next.PathInitialImage)
	assert.Equal(t, "images/out_1.png", *next.PathInitialImage)
	assert.Nil(t, next.PathInitialImageMask)
	assert.Nil(t, next.InitialImageMasks)
	assert.Equal(t, int64(7), next.Parameters[model.ParamSeed])
}

func TestRetryFromResultRequiresSuccess(t *testing.T) {
	l := newLedger(t)
	h, err := l.Submit(request("x", 20, nil))
	require.NoError(t, err)

	_, err = l.RetryFrom(0, RetryFromResult)
	assert.ErrorIs(t, err, ErrNoResultImage)

	_, err = l.Resolve(h, Failure("boom"))
	require.NoError(t, err)
	_, err = l.RetryFrom(0, RetryFromResult)
	assert.ErrorIs(t, err, ErrNoResultImage)
}

func TestRetryFromBadIndex(t *testing.T) {
	l := newLedger(t)
	_, err := l.RetryFrom(0, RetryFreshSeed)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = l.RetryFrom(-1, RetryFreshSeed)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestParseModification(t *testing.T) {
	m, err := ParseModification("more_steps")
	require.NoError(t, err)
	assert.Equal(t, RetryMoreSteps, m)

	_, err = ParseModification("upscale")
	assert.ErrorIs(t, err, ErrUnknownModification)
}

func TestExportPlainText2Img(t *testing.T) {
	l := newLedger(t)
	succeededEntry(t, l, request("a cat", 20, nil), 11)

	rec, err := l.ExportForSharing(0)
	require.NoError(t, err)
	assert.Equal(t, "images/out_1.png", rec.Path)
	assert.False(t, rec.Img2Img)
	assert.False(t, rec.MaskedImg2Img)
	assert.Equal(t, int64(11), rec.Parameters[model.ParamSeed])
	// parsed_prompt 与 prompt 相同，视为重复回显
	assert.Nil(t, rec.ParsedPrompt)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "loading")
	assert.NotContains(t, string(data), `"request"`)
}

func TestExportFlagsAreExclusive(t *testing.T) {
	src := "images/src.png"

	img2img := model.ResultEntry{
		Status:  model.StatusSucceeded,
		Path:    "images/out.png",
		Request: model.GenerationRequest{Parameters: model.Parameters{}, PathInitialImage: &src},
	}
	rec := Export(img2img)
	assert.True(t, rec.Img2Img)
	assert.False(t, rec.MaskedImg2Img)
	assert.Equal(t, src, rec.InitialImage)

	masked := img2img
	masked.Request = img2img.Request.Clone()
	masked.Request.InitialImageMasks = []model.MaskRegion{{AX: 0, AY: 0, BX: 5, BY: 5}}
	rec = Export(masked)
	assert.False(t, rec.Img2Img)
	assert.True(t, rec.MaskedImg2Img)
	assert.Len(t, rec.Masks, 1)
}

func TestExportPendingStripsSentinel(t *testing.T) {
	l := newLedger(t)
	_, err := l.Submit(request("x", 20, nil))
	require.NoError(t, err)

	rec, err := l.ExportForSharing(0)
	require.NoError(t, err)
	assert.Empty(t, rec.Path)
}

func TestExportKeepsDistinctParsedPrompt(t *testing.T) {
	entry := model.ResultEntry{
		Status:  model.StatusSucceeded,
		Path:    "images/out.png",
		Request: request("a cat --tileable", 20, nil),
		Result:  &model.GenerationResult{ParsedPrompt: json.RawMessage(`{"prompt":"a cat","tileable":true}`)},
	}
	rec := Export(entry)
	assert.JSONEq(t, `{"prompt":"a cat","tileable":true}`, string(rec.ParsedPrompt))
}
