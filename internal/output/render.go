package output

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const badgePadding = 4

var (
	badgeBackground = color.RGBA{200, 30, 30, 220}
	badgeText       = color.RGBA{255, 255, 255, 255}
)

// scaleToWidth returns src unchanged when it already fits, otherwise a
// downscaled copy with the same aspect ratio
func scaleToWidth(src *image.RGBA, maxWidth int) *image.RGBA {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return src
	}
	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// drawBadge paints a small label with a solid background onto img
func drawBadge(img *image.RGBA, text string) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(badgeText),
		Face: face,
	}

	textWidthPx := d.MeasureString(text).Ceil()
	lineHeight := face.Metrics().Height.Ceil()

	bg := image.Rect(badgePadding, badgePadding,
		badgePadding+textWidthPx+badgePadding*2,
		badgePadding+lineHeight+badgePadding*2)
	bg = bg.Intersect(img.Bounds())
	if bg.Empty() {
		return
	}
	draw.Draw(img, bg, image.NewUniform(badgeBackground), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(bg.Min.X + badgePadding),
		Y: fixed.I(bg.Min.Y+badgePadding) + face.Metrics().Ascent,
	}
	d.DrawString(text)
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}
