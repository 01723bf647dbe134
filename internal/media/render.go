package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/skip2/go-qrcode"
)

const (
	chartWidth  = 800
	chartHeight = 480
	chartMargin = 48
	badgeSize   = 112
	// QR payloads beyond this are cut; the badge only identifies the request.
	maxBadgeRunes = 256
)

var (
	colorGrid = color.RGBA{0xe0, 0xe0, 0xe0, 0xff}
	colorAxis = color.RGBA{0x33, 0x33, 0x33, 0xff}
	colorSin  = color.RGBA{0x1f, 0x77, 0xb4, 0xff}
	colorCos  = color.RGBA{0xff, 0x7f, 0x0e, 0xff}
)

// Renderer produces the PNG bytes of an artifact for a request text.
type Renderer func(request string) ([]byte, error)

// RenderChart draws a fixed sin/cos line chart over x in [0, 10] and stamps
// a QR code of the request text in the top right corner. Output is
// deterministic for a given request.
func RenderChart(request string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	plot := image.Rect(chartMargin, chartMargin, chartWidth-chartMargin, chartHeight-chartMargin)
	toPx := func(x, y float64) (int, int) {
		px := plot.Min.X + int(math.Round(x/10*float64(plot.Dx())))
		py := plot.Max.Y - int(math.Round((y+1.2)/2.4*float64(plot.Dy())))
		return px, py
	}

	for x := 0.0; x <= 10; x++ {
		x0, y0 := toPx(x, -1.2)
		_, y1 := toPx(x, 1.2)
		line(img, x0, y0, x0, y1, 1, colorGrid)
	}
	for y := -1.0; y <= 1.0; y += 0.5 {
		x0, y0 := toPx(0, y)
		x1, _ := toPx(10, y)
		line(img, x0, y0, x1, y0, 1, colorGrid)
	}
	ax0, ay := toPx(0, 0)
	ax1, _ := toPx(10, 0)
	line(img, ax0, ay, ax1, ay, 1, colorAxis)
	line(img, plot.Min.X, plot.Min.Y, plot.Min.X, plot.Max.Y, 1, colorAxis)

	curve(img, toPx, math.Sin, colorSin)
	curve(img, toPx, math.Cos, colorCos)

	if err := stampBadge(img, request); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func curve(img *image.RGBA, toPx func(x, y float64) (int, int), f func(float64) float64, c color.RGBA) {
	const samples = 200
	px, py := toPx(0, f(0))
	for i := 1; i <= samples; i++ {
		x := 10 * float64(i) / samples
		nx, ny := toPx(x, f(x))
		line(img, px, py, nx, ny, 2, c)
		px, py = nx, ny
	}
}

func stampBadge(img *image.RGBA, request string) error {
	runes := []rune(request)
	if len(runes) > maxBadgeRunes {
		runes = runes[:maxBadgeRunes]
	}
	if len(runes) == 0 {
		return nil
	}
	q, err := qrcode.New(string(runes), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("qr badge: %w", err)
	}
	badge := q.Image(badgeSize)
	at := image.Pt(chartWidth-badgeSize-4, 4)
	draw.Draw(img, image.Rectangle{Min: at, Max: at.Add(badge.Bounds().Size())}, badge, badge.Bounds().Min, draw.Src)
	return nil
}

// line draws a segment with Bresenham's algorithm, w pixels thick.
func line(img *image.RGBA, x0, y0, x1, y1, w int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		for ox := 0; ox < w; ox++ {
			for oy := 0; oy < w; oy++ {
				img.SetRGBA(x0+ox, y0+oy, c)
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
