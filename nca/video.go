// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"math/rand"
	"os"

	"github.com/anthonynsimon/bild/transform"
	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etensor"
)

// VideoConfig parameterizes MakeVideo.
type VideoConfig struct {

	// number of evolution steps to record
	Iters int

	// if true, inject damage at the one-third mark to demonstrate
	// regeneration
	Regenerating bool

	// damage configuration used at the one-third mark
	Damage DamageConfig

	// optional output file; empty = only return the frame buffer.
	// Written as an animated GIF.
	Path string

	// nearest-neighbor upscaling factor for the small CA grid
	Rescale int `def:"8"`

	// frames per second of the written file
	FPS int `def:"10"`

	// rotation angle of the update
	Angle float32

	// step size of the update
	StepSize float32 `def:"1"`

	// seed for the damage random source
	RandSeed int64
}

// Defaults sets default parameter values
func (vc *VideoConfig) Defaults() {
	vc.Rescale = 8
	vc.FPS = 10
	vc.StepSize = 1
	vc.Damage.Defaults()
	vc.RandSeed = 1
}

// MakeVideo evolves the first sample of init for cfg.Iters steps with no
// gradient tracking, recording an upscaled RGB rendering of the state at
// every step (alpha-composited over white).  When cfg.Regenerating,
// damage is injected at the one-third mark.  When cfg.Path is set, the
// frames are also written there as an animated GIF at cfg.FPS.  Always
// returns the in-memory frame buffer.
func MakeVideo(ca Automaton, init *etensor.Float32, cfg *VideoConfig) ([]*image.RGBA, error) {
	if cfg == nil {
		cfg = &VideoConfig{}
		cfg.Defaults()
	}
	ca.SetMode(etime.Test)
	rnd := rand.New(rand.NewSource(cfg.RandSeed))
	ny, nx := init.Dim(2), init.Dim(3)
	frames := make([]*image.RGBA, cfg.Iters)
	x := init
	for i := 0; i < cfg.Iters; i++ {
		frames[i] = transform.Resize(renderFrame(x), nx*cfg.Rescale, ny*cfg.Rescale, transform.NearestNeighbor)
		x = ca.Step(x, cfg.Angle, cfg.StepSize)
		if cfg.Regenerating && i == cfg.Iters/3 {
			Damage(x, &cfg.Damage, rnd)
		}
	}
	if cfg.Path != "" {
		if err := writeGIF(cfg.Path, frames, cfg.FPS); err != nil {
			return frames, err
		}
	}
	return frames, nil
}

// renderFrame renders sample 0 of the batch to an RGBA image.
func renderFrame(x *etensor.Float32) *image.RGBA {
	ny, nx := x.Dim(2), x.Dim(3)
	rgb := ToRGB(x)
	img := image.NewRGBA(image.Rect(0, 0, nx, ny))
	for y := 0; y < ny; y++ {
		for xx := 0; xx < nx; xx++ {
			i := img.PixOffset(xx, y)
			img.Pix[i+0] = uint8(rgb.Values[0*ny*nx+y*nx+xx]*255 + 0.5)
			img.Pix[i+1] = uint8(rgb.Values[1*ny*nx+y*nx+xx]*255 + 0.5)
			img.Pix[i+2] = uint8(rgb.Values[2*ny*nx+y*nx+xx]*255 + 0.5)
			img.Pix[i+3] = 255
		}
	}
	return img
}

// writeGIF writes frames as an animated GIF at the given fps.
func writeGIF(path string, frames []*image.RGBA, fps int) error {
	if fps <= 0 {
		fps = 10
	}
	delay := 100 / fps // gif delay is in 10ms units
	if delay < 1 {
		delay = 1
	}
	g := &gif.GIF{}
	for _, fr := range frames {
		pm := image.NewPaletted(fr.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(pm, fr.Bounds(), fr, image.Point{})
		g.Image = append(g.Image, pm)
		g.Delay = append(g.Delay, delay)
	}
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fp.Close()
	return gif.EncodeAll(fp, g)
}
