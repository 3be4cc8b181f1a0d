package ledger

import (
	"purepale-studio/internal/model"
)

// ExportForSharing 导出第 index 个条目的分享记录
func (l *Ledger) ExportForSharing(index int) (model.SharedRecord, error) {
	entry, err := l.Entry(index)
	if err != nil {
		return model.SharedRecord{}, err
	}
	return Export(entry), nil
}

// Export 去掉 loading/error 哨兵和重复的提示词回显，img2img 与 masked_img2img 至多一个为真
func Export(entry model.ResultEntry) model.SharedRecord {
	req := EffectiveRequest(entry)

	rec := model.SharedRecord{
		Parameters: req.Parameters,
	}
	if req.Model != nil {
		rec.Model = *req.Model
	}

	switch entry.Path {
	case model.PathLoading, model.PathError:
	default:
		rec.Path = entry.Path
	}

	if req.IsMasked() {
		rec.MaskedImg2Img = true
	} else if req.IsImg2Img() {
		rec.Img2Img = true
	}
	if req.IsImg2Img() {
		rec.InitialImage = *req.PathInitialImage
		rec.Masks = req.InitialImageMasks
	}

	if entry.Result != nil {
		rec.ModelConfig = entry.Result.Model
		rec.Scheduler = entry.Result.Scheduler
		if !promptEcho(entry.Result.ParsedPrompt, req.Parameters.String(model.ParamPrompt)) {
			rec.ParsedPrompt = entry.Result.ParsedPrompt
		}
	}

	return rec
}
