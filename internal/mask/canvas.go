package mask

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

// DefaultLineWidth 自由绘制默认笔宽（源图像素）
const DefaultLineWidth = 20

// MaxLineWidth 笔宽上限，超出按上限处理
const MaxLineWidth = 256

var paint = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Canvas 自由绘制遮罩位图，分辨率与源图一致，第一次落笔时才分配。
// 绘制过的像素不透明，其余透明；后端读取 alpha 通道作为遮罩。
// Canvas 不是并发安全的，由调用方加锁。
type Canvas struct {
	width     int
	height    int
	img       *image.NRGBA
	lineWidth int
	drawing   bool
	last      image.Point
	dirty     bool
	painted   bool
	version   uint64
}

func NewCanvas(width, height, lineWidth int) *Canvas {
	c := &Canvas{}
	c.SetLineWidth(lineWidth)
	c.Reset(width, height)
	return c
}

// Reset 换成新的空白位图并清除脏标记
func (c *Canvas) Reset(width, height int) {
	c.width = max(width, 0)
	c.height = max(height, 0)
	c.img = nil
	c.drawing = false
	c.dirty = false
	c.painted = false
	c.version++
}

// Clear 擦除已绘制内容，尺寸不变
func (c *Canvas) Clear() {
	c.Reset(c.width, c.height)
}

// SetLineWidth 非正数取默认值，超过 MaxLineWidth 取上限
func (c *Canvas) SetLineWidth(w int) {
	if w <= 0 {
		w = DefaultLineWidth
	}
	c.lineWidth = min(w, MaxLineWidth)
}

func (c *Canvas) LineWidth() int {
	return c.lineWidth
}

func (c *Canvas) Bounds() image.Rectangle {
	return image.Rect(0, 0, c.width, c.height)
}

// PointerDown 开始一笔
func (c *Canvas) PointerDown(p image.Point) {
	c.drawing = true
	c.last = p
}

// PointerMove 笔画进行中时从上一点连线到 p，返回是否产生了可见变化
func (c *Canvas) PointerMove(p image.Point) bool {
	if !c.drawing {
		return false
	}
	from := c.last
	c.last = p
	if c.Bounds().Empty() {
		return false
	}
	if c.img == nil {
		c.img = image.NewNRGBA(c.Bounds())
	}
	drawLine(c.img, from.X, from.Y, p.X, p.Y, c.lineWidth)
	c.dirty = true
	c.painted = true
	c.version++
	return true
}

// PointerUp 结束当前笔画
func (c *Canvas) PointerUp() {
	c.drawing = false
}

// PointerLeave 指针离开画布同样结束笔画
func (c *Canvas) PointerLeave() {
	c.drawing = false
}

func (c *Canvas) Drawing() bool {
	return c.drawing
}

// Dirty 自上次成功上传以来位图是否有变化
func (c *Canvas) Dirty() bool {
	return c.dirty
}

// ClearDirty 上传成功后调用
func (c *Canvas) ClearDirty() {
	c.dirty = false
}

// Painted 自上次 Reset 以来是否画过
func (c *Canvas) Painted() bool {
	return c.painted
}

// Version 位图每次变化或重置都会递增
func (c *Canvas) Version() uint64 {
	return c.version
}

// Alpha 返回 (x, y) 处的遮罩值，越界为 0
func (c *Canvas) Alpha(x, y int) uint8 {
	if c.img == nil || !image.Pt(x, y).In(c.img.Bounds()) {
		return 0
	}
	return c.img.NRGBAAt(x, y).A
}

func (c *Canvas) bitmap() *image.NRGBA {
	if c.img != nil {
		return c.img
	}
	return image.NewNRGBA(c.Bounds())
}

// EncodePNG 渲染上传用的遮罩图
func (c *Canvas) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.bitmap()); err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return buf.Bytes(), nil
}

// Preview 等比缩小到最长边不超过 maxSize 的 PNG 预览
func (c *Canvas) Preview(maxSize int) ([]byte, error) {
	b := c.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("encode preview: empty canvas")
	}

	w, h := b.Dx(), b.Dy()
	if maxSize > 0 && (w > maxSize || h > maxSize) {
		if w >= h {
			h = max(1, h*maxSize/w)
			w = maxSize
		} else {
			w = max(1, w*maxSize/h)
			h = maxSize
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if c.img != nil {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), c.img, b, xdraw.Src, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// stamp 以 (x, y) 为圆心画一个直径为 width 的实心圆，逐行填充并裁剪到位图内
func stamp(img *image.NRGBA, x, y, width int) {
	b := img.Bounds()
	r := width / 2
	rr := r * r
	for dy := max(-r, b.Min.Y-y); dy <= r && y+dy < b.Max.Y; dy++ {
		half := 0
		for (half+1)*(half+1)+dy*dy <= rr {
			half++
		}
		x0 := max(x-half, b.Min.X)
		x1 := min(x+half, b.Max.X-1)
		if x0 > x1 {
			continue
		}
		row := img.Pix[img.PixOffset(x0, y+dy):img.PixOffset(x1, y+dy)+4]
		for i := 0; i < len(row); i += 4 {
			row[i], row[i+1], row[i+2], row[i+3] = paint.R, paint.G, paint.B, paint.A
		}
	}
}

// drawLine Bresenham 连线，先把线段裁剪到位图（外扩笔刷半径）内；
// 相邻笔刷间距不超过半径的四分之一，终点总会盖一次
func drawLine(img *image.NRGBA, x0, y0, x1, y1, width int) {
	r := width / 2
	x0, y0, x1, y1, ok := clipSegment(img.Bounds().Inset(-r), x0, y0, x1, y1)
	if !ok {
		return
	}

	spacing := max(1, r/4)
	dx := abs(x1 - x0)
	dy := abs(y1 - y0)
	sx := -1
	if x0 < x1 {
		sx = 1
	}
	sy := -1
	if y0 < y1 {
		sy = 1
	}
	err := dx - dy
	for step := 0; ; step++ {
		last := x0 == x1 && y0 == y1
		if last || step%spacing == 0 {
			stamp(img, x0, y0, width)
		}
		if last {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x0 += sx
		}
		if e2 < dx {
			err += dx
			y0 += sy
		}
	}
}

// clipSegment Cohen-Sutherland 裁剪，线段与 r 不相交时返回 false
func clipSegment(r image.Rectangle, x0, y0, x1, y1 int) (int, int, int, int, bool) {
	if r.Empty() {
		return 0, 0, 0, 0, false
	}
	inside := func(x, y int) bool { return image.Pt(x, y).In(r) }
	if inside(x0, y0) && inside(x1, y1) {
		return x0, y0, x1, y1, true
	}

	const (
		left = 1 << iota
		right
		bottom
		top
	)
	minX, minY := float64(r.Min.X), float64(r.Min.Y)
	maxX, maxY := float64(r.Max.X-1), float64(r.Max.Y-1)
	code := func(x, y float64) int {
		c := 0
		if x < minX {
			c |= left
		} else if x > maxX {
			c |= right
		}
		if y < minY {
			c |= bottom
		} else if y > maxY {
			c |= top
		}
		return c
	}

	ax, ay, bx, by := float64(x0), float64(y0), float64(x1), float64(y1)
	ca, cb := code(ax, ay), code(bx, by)
	for {
		switch {
		case ca|cb == 0:
			return int(math.Round(ax)), int(math.Round(ay)), int(math.Round(bx)), int(math.Round(by)), true
		case ca&cb != 0:
			return 0, 0, 0, 0, false
		}

		out := ca
		if out == 0 {
			out = cb
		}
		var x, y float64
		switch {
		case out&top != 0:
			x, y = ax+(bx-ax)*(maxY-ay)/(by-ay), maxY
		case out&bottom != 0:
			x, y = ax+(bx-ax)*(minY-ay)/(by-ay), minY
		case out&right != 0:
			x, y = maxX, ay+(by-ay)*(maxX-ax)/(bx-ax)
		default:
			x, y = minX, ay+(by-ay)*(minX-ax)/(bx-ax)
		}
		if out == ca {
			ax, ay = x, y
			ca = code(ax, ay)
		} else {
			bx, by = x, y
			cb = code(bx, by)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
