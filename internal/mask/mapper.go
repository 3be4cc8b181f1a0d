// Package mask 把页面上的指针坐标映射为源图像素坐标，并维护矩形与自由绘制两种遮罩。
package mask

import (
	"errors"
	"fmt"
	"image"
	"math"

	"purepale-studio/internal/model"
)

var (
	ErrInvalidViewport = errors.New("invalid viewport")
	ErrInvalidPoint    = errors.New("invalid pointer position")
)

// MaxCoordinate 映射后坐标的绝对值上限（源图像素）
const MaxCoordinate = 1 << 20

// Mapper 显示坐标到源图像素坐标的映射，scale = 源图高度 / 显示高度
type Mapper struct {
	Scale float64
	Left  float64
	Top   float64
}

// NewMapper 根据源图高度与当前显示位置构造映射
func NewMapper(sourceHeight int, vp model.Viewport) (Mapper, error) {
	if sourceHeight <= 0 {
		return Mapper{}, fmt.Errorf("%w: source height %d", ErrInvalidViewport, sourceHeight)
	}
	if vp.DisplayedHeight <= 0 || !finite(vp.DisplayedHeight) {
		return Mapper{}, fmt.Errorf("%w: displayed height %v", ErrInvalidViewport, vp.DisplayedHeight)
	}
	if !finite(vp.Left) || !finite(vp.Top) {
		return Mapper{}, fmt.Errorf("%w: canvas offset (%v, %v)", ErrInvalidViewport, vp.Left, vp.Top)
	}
	return Mapper{
		Scale: float64(sourceHeight) / vp.DisplayedHeight,
		Left:  vp.Left,
		Top:   vp.Top,
	}, nil
}

// Map 返回源图像素坐标 ((x-left)*scale, (y-top)*scale)，向下取整。
// 非有限值或超出 ±MaxCoordinate 返回 ErrInvalidPoint。
func (m Mapper) Map(clientX, clientY float64) (image.Point, error) {
	x := math.Floor((clientX - m.Left) * m.Scale)
	y := math.Floor((clientY - m.Top) * m.Scale)
	if !inRange(x) || !inRange(y) {
		return image.Point{}, fmt.Errorf("%w: (%v, %v)", ErrInvalidPoint, clientX, clientY)
	}
	return image.Pt(int(x), int(y)), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func inRange(v float64) bool {
	return finite(v) && math.Abs(v) <= MaxCoordinate
}
