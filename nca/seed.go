// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import "github.com/emer/etable/v2/etensor"

// SeedGrid returns a batch of n fresh seed states [n, c, h, w]: all zero
// except the center cell, which has alpha and all hidden channels set to
// 1 so that it is alive and carries initial state to differentiate from.
func SeedGrid(n, c, h, w int) *etensor.Float32 {
	x := etensor.NewFloat32([]int{n, c, h, w}, nil, nil)
	for b := 0; b < n; b++ {
		for ch := AlphaChan; ch < c; ch++ {
			x.Values[((b*c+ch)*h+h/2)*w+w/2] = 1
		}
	}
	return x
}

// ToRGB composites a batch of states down to RGB over a white
// background: out = clip(1 - alpha + rgb), the standard premultiplied
// rendering of a growing pattern.  Returns [batch, 3, h, w].
func ToRGB(x *etensor.Float32) *etensor.Float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	pxn := ny * nx
	out := etensor.NewFloat32([]int{nb, 3, ny, nx}, nil, nil)
	for b := 0; b < nb; b++ {
		ai := (b*nc + AlphaChan) * pxn
		for c := 0; c < 3; c++ {
			xi := (b*nc + c) * pxn
			oi := (b*3 + c) * pxn
			for px := 0; px < pxn; px++ {
				a := clip01(x.Values[ai+px])
				out.Values[oi+px] = clip01(1 - a + x.Values[xi+px])
			}
		}
	}
	return out
}

func clip01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
