package ledger

import (
	"fmt"

	"purepale-studio/internal/model"
)

// Modification 从历史条目重试时对请求的改动
type Modification string

const (
	// RetryFreshSeed 清空 seed，由后端重新随机
	RetryFreshSeed Modification = "fresh_seed"
	// RetryMoreSteps 步数增加 stepIncrement，seed 沿用
	RetryMoreSteps Modification = "more_steps"
	// RetryFromResult 以该条目的结果图作为新的源图，清除遮罩
	RetryFromResult Modification = "from_result"
)

func ParseModification(s string) (Modification, error) {
	switch m := Modification(s); m {
	case RetryFreshSeed, RetryMoreSteps, RetryFromResult:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownModification, s)
	}
}

// RetryFrom 基于第 index 个条目生成新的请求模板。总是在深拷贝上修改，台账中的条目不变。
func (l *Ledger) RetryFrom(index int, mod Modification) (model.GenerationRequest, error) {
	entry, err := l.Entry(index)
	if err != nil {
		return model.GenerationRequest{}, err
	}
	return Derive(entry, mod, l.stepIncrement)
}

// Derive 按修改方式从条目派生请求
func Derive(entry model.ResultEntry, mod Modification, stepIncrement int) (model.GenerationRequest, error) {
	req := EffectiveRequest(entry)

	switch mod {
	case RetryFreshSeed:
		req.Parameters[model.ParamSeed] = nil

	case RetryMoreSteps:
		steps, ok := req.Parameters.Int(model.ParamSteps)
		if !ok {
			return model.GenerationRequest{}, fmt.Errorf("%w: %s", ErrMissingParameter, model.ParamSteps)
		}
		if stepIncrement <= 0 {
			stepIncrement = DefaultStepIncrement
		}
		req.Parameters[model.ParamSteps] = steps + int64(stepIncrement)

	case RetryFromResult:
		if entry.Status != model.StatusSucceeded || entry.Path == "" {
			return model.GenerationRequest{}, fmt.Errorf("%w: entry %s is %s", ErrNoResultImage, entry.ID, entry.Status)
		}
		req.PathInitialImage = model.StringPtr(entry.Path)
		req.ClearMask()

	default:
		return model.GenerationRequest{}, fmt.Errorf("%w: %q", ErrUnknownModification, string(mod))
	}

	return req, nil
}
