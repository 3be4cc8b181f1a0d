package mask

import (
	"image"

	"purepale-studio/internal/model"
)

// RectangleTool 两次点击确定一个矩形。区域按添加顺序累积，不去重。
type RectangleTool struct {
	anchor  *image.Point
	regions []model.MaskRegion
}

// Click 第一次点击记录锚点；第二次点击提交规范化后的矩形并返回 true
func (r *RectangleTool) Click(p image.Point) (model.MaskRegion, bool) {
	if r.anchor == nil {
		a := p
		r.anchor = &a
		return model.MaskRegion{}, false
	}

	region := model.NewMaskRegion(r.anchor.X, r.anchor.Y, p.X, p.Y)
	r.regions = append(r.regions, region)
	r.anchor = nil
	return region, true
}

// Pending 是否在等待第二次点击
func (r *RectangleTool) Pending() bool {
	return r.anchor != nil
}

// Regions 返回已提交区域的拷贝
func (r *RectangleTool) Regions() []model.MaskRegion {
	if len(r.regions) == 0 {
		return nil
	}
	return append([]model.MaskRegion(nil), r.regions...)
}

func (r *RectangleTool) Reset() {
	r.anchor = nil
	r.regions = nil
}
