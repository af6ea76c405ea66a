package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	captchaScale  = 4
	captchaNoise  = 6
	captchaMargin = 6
)

// renderCaptcha draws text with basicfont on a small canvas, adds noise and
// scales it up into a PNG.
func renderCaptcha(text string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("empty captcha text")
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 2*captchaMargin
	height := face.Metrics().Height.Ceil() + 2*captchaMargin

	src := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(src, src.Bounds(), &image.Uniform{C: color.RGBA{R: 0xf4, G: 0xf1, B: 0xe8, A: 0xff}}, image.Point{}, xdraw.Src)

	// Per-glyph colours and vertical jitter.
	x := fixed.I(captchaMargin)
	for _, r := range text {
		d := &font.Drawer{
			Dst:  src,
			Src:  image.NewUniform(randomInk()),
			Face: face,
			Dot:  fixed.Point26_6{X: x, Y: fixed.I(captchaMargin + face.Ascent + rand.Intn(3) - 1)},
		}
		d.DrawString(string(r))
		x = d.Dot.X
	}

	for i := 0; i < captchaNoise; i++ {
		drawNoiseLine(src)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width*captchaScale, height*captchaScale))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode captcha: %w", err)
	}
	return buf.Bytes(), nil
}

func randomInk() color.RGBA {
	return color.RGBA{R: uint8(rand.Intn(120)), G: uint8(rand.Intn(120)), B: uint8(rand.Intn(120)), A: 0xff}
}

func drawNoiseLine(img *image.RGBA) {
	b := img.Bounds()
	x0, y0 := rand.Intn(b.Dx()), rand.Intn(b.Dy())
	x1, y1 := rand.Intn(b.Dx()), rand.Intn(b.Dy())
	c := color.RGBA{R: uint8(100 + rand.Intn(120)), G: uint8(100 + rand.Intn(120)), B: uint8(100 + rand.Intn(120)), A: 0xff}

	steps := max(abs(x1-x0), abs(y1-y0), 1)
	for i := 0; i <= steps; i++ {
		img.SetRGBA(x0+(x1-x0)*i/steps, y0+(y1-y0)*i/steps, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
