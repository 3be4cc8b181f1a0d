// Package builder 把界面状态组装成一次生成请求。
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"purepale-studio/internal/model"
	"purepale-studio/pkg/logger"
)

// MaskFileName 上传遮罩使用的文件名，后端只取扩展名
const MaskFileName = "mask.png"

// Uploader 把图片上传到后端并返回服务端路径
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

type Builder struct {
	uploader Uploader
}

func New(uploader Uploader) *Builder {
	return &Builder{uploader: uploader}
}

// Build 组装完整请求，自由绘制遮罩有变化时先上传
func (b *Builder) Build(ctx context.Context, state *UIState) (model.GenerationRequest, error) {
	req, err := b.Prepare(state)
	if err != nil {
		return model.GenerationRequest{}, err
	}
	if err := b.AttachMask(ctx, state, &req); err != nil {
		return model.GenerationRequest{}, err
	}
	return req, nil
}

// Prepare 拷贝并校验表单，不做任何网络请求。返回值不引用 state 中的任何可变数据。
func (b *Builder) Prepare(state *UIState) (model.GenerationRequest, error) {
	params := state.Parameters.Clone()
	if params == nil {
		params = model.Parameters{}
	}

	seed, err := NormalizeSeed(params[model.ParamSeed])
	if err != nil {
		return model.GenerationRequest{}, err
	}
	params[model.ParamSeed] = seed

	if err := normalizeNumeric(params); err != nil {
		return model.GenerationRequest{}, err
	}

	req := model.GenerationRequest{
		Model:      model.StringPtr(state.Model),
		Parameters: params,
	}

	if state.SourceImage != "" {
		req.PathInitialImage = model.StringPtr(state.SourceImage)
		if state.MaskMode == MaskRectangle {
			req.InitialImageMasks = state.Rectangles.Regions()
		}
	}

	return req, nil
}

// PendingMask 提交时从界面状态截取的位图遮罩，上传不再读取界面状态
type PendingMask struct {
	data    []byte
	version uint64
}

// AttachMask 自由绘制模式下附加位图遮罩：CaptureMask、UploadMask、CommitMask 依次执行。
// 上传失败返回 ErrMaskUpload，调用方不应继续请求生成。
func (b *Builder) AttachMask(ctx context.Context, state *UIState, req *model.GenerationRequest) error {
	pm, err := b.CaptureMask(state, req)
	if err != nil || pm == nil {
		return err
	}
	path, err := b.UploadMask(ctx, pm, req)
	if err != nil {
		return err
	}
	CommitMask(state, pm, path)
	return nil
}

// CaptureMask 在持有界面状态时调用。位图无变化且已上传过时直接写入缓存路径并返回 nil；
// 需要上传时返回位图的 PNG 快照，之后界面的修改不影响这次提交。
func (b *Builder) CaptureMask(state *UIState, req *model.GenerationRequest) (*PendingMask, error) {
	if state.MaskMode != MaskFreehand || state.SourceImage == "" {
		return nil, nil
	}
	canvas := state.Canvas
	if canvas == nil || !canvas.Painted() {
		return nil, nil
	}

	if !canvas.Dirty() && state.MaskPath != "" {
		req.PathInitialImageMask = model.StringPtr(state.MaskPath)
		return nil, nil
	}

	data, err := canvas.EncodePNG()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaskUpload, err)
	}
	return &PendingMask{data: data, version: canvas.Version()}, nil
}

// UploadMask 上传截取的位图并写入请求，不访问界面状态
func (b *Builder) UploadMask(ctx context.Context, pm *PendingMask, req *model.GenerationRequest) (string, error) {
	path, err := b.uploader.Upload(ctx, MaskFileName, bytes.NewReader(pm.data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMaskUpload, err)
	}
	req.PathInitialImageMask = model.StringPtr(path)
	logger.Debugf("mask uploaded: %s (%d bytes)", path, len(pm.data))
	return path, nil
}

// CommitMask 在持有界面状态时调用：位图自截取以来未变化才缓存路径并清除脏标记。
func CommitMask(state *UIState, pm *PendingMask, path string) bool {
	if state.Canvas == nil || state.Canvas.Version() != pm.version {
		return false
	}
	state.MaskPath = path
	state.Canvas.ClearDirty()
	return true
}

// NormalizeSeed 空值表示由后端随机，整数原样保留，其余输入一律报错
func NormalizeSeed(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	seed, ok := model.ToInt(v)
	if !ok {
		return nil, &ValidationError{Field: model.ParamSeed, Value: v, Reason: "seed must be an integer or empty"}
	}
	return seed, nil
}

var integerParams = map[string]bool{
	model.ParamWidth:  true,
	model.ParamHeight: true,
	model.ParamSteps:  true,
}

func normalizeNumeric(params model.Parameters) error {
	for _, name := range model.NumericParams {
		v, ok := params[name]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			delete(params, name)
			continue
		}

		if integerParams[name] {
			n, ok := model.ToInt(v)
			if !ok || n <= 0 {
				return &ValidationError{Field: name, Value: v, Reason: "must be a positive integer"}
			}
			if name == model.ParamWidth || name == model.ParamHeight {
				n = SnapDimension(n)
			}
			params[name] = n
			continue
		}

		f, ok := model.ToFloat(v)
		if !ok {
			return &ValidationError{Field: name, Value: v, Reason: "must be a number"}
		}
		params[name] = f
	}
	return nil
}

// SnapDimension 宽高取最接近的 64 的倍数，最小 64
func SnapDimension(n int64) int64 {
	n = (n + 32) / 64 * 64
	if n < 64 {
		n = 64
	}
	return n
}
