// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import "github.com/emer/etable/v2/etensor"

// The backward pass is a hand-written reverse-mode adjoint of the
// iterated Step function.  The boolean fire and alive masks are treated
// as constants, so the gradient of one step w.r.t. its input state is the
// alive-gated sum of the identity path and the transposed learned
// transform composed with the transposed fixed-kernel perception conv.

// deltaCache holds the forward activations of one Delta evaluation
// needed to run its adjoint.
type deltaCache struct {
	p        *etensor.Float32 // perception [b, 3c, y, x]
	h        *etensor.Float32 // post-ReLU hidden [b, hid, y, x]
	fire     []float32        // per-cell fire mask [b*y*x]
	angle    float32
	stepSize float32
}

// stepCache holds everything recorded for one Step in Train mode.
type stepCache struct {
	delta *deltaCache
	life  []bool           // pre AND post alive mask [b*y*x]
	post  *etensor.Float32 // the state this step produced
}

// ResetCaches discards all recorded step caches.  Must be called between
// batches (the Trainer does this); Backward consumes the caches of one
// forward trajectory.
func (ru *Rule) ResetCaches() {
	ru.caches = nil
}

// Backward runs the backward pass over all steps recorded since the last
// ResetCaches, pulling dLoss/dState from the criterion at every step
// (the per-step losses are summed, so their gradients add) and
// accumulating into the parameter gradients.
func (ru *Rule) Backward(crit Criterion, epoch int) {
	var g *etensor.Float32
	for t := len(ru.caches) - 1; t >= 0; t-- {
		sc := ru.caches[t]
		cg := crit.StepGrad(sc.post, t, epoch)
		if g == nil {
			g = cloneF32(cg)
		} else {
			for i := range g.Values {
				g.Values[i] += cg.Values[i]
			}
		}
		g = ru.backStep(sc, g)
	}
}

// backStep is the adjoint of one Step: given dLoss/dNext it accumulates
// parameter gradients and returns dLoss/dState.
func (ru *Rule) backStep(sc *stepCache, g *etensor.Float32) *etensor.Float32 {
	nb, nc, ny, nx := g.Dim(0), g.Dim(1), g.Dim(2), g.Dim(3)
	pxn := ny * nx
	// gate by the life mask: both the identity and delta paths pass
	// through next = (x + dx) * life
	gm := etensor.NewFloat32([]int{nb, nc, ny, nx}, nil, nil)
	for b := 0; b < nb; b++ {
		for px := 0; px < pxn; px++ {
			if !sc.life[b*pxn+px] {
				continue
			}
			for c := 0; c < nc; c++ {
				i := (b*nc+c)*pxn + px
				gm.Values[i] = g.Values[i]
			}
		}
	}
	dx := cloneF32(gm) // identity path
	ru.backDelta(sc.delta, gm, dx)
	return dx
}

// cloneF32 returns a fresh tensor with the same shape and values.
func cloneF32(x *etensor.Float32) *etensor.Float32 {
	c := etensor.NewFloat32([]int{x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)}, nil, nil)
	copy(c.Values, x.Values)
	return c
}

// backDelta is the adjoint of one Delta evaluation: gd is dLoss/dDelta
// (already alive-gated); parameter gradients are accumulated and the
// state-gradient contribution is added into dx.
func (ru *Rule) backDelta(dc *deltaCache, gd, dx *etensor.Float32) {
	nb, nc, ny, nx := gd.Dim(0), gd.Dim(1), gd.Dim(2), gd.Dim(3)
	hid := ru.Config.Hidden
	np := 3 * nc
	pxn := ny * nx
	gp := etensor.NewFloat32([]int{nb, np, ny, nx}, nil, nil)
	gdc := make([]float32, nc)
	ghid := make([]float32, hid)
	for b := 0; b < nb; b++ {
		for px := 0; px < pxn; px++ {
			if dc.fire[b*pxn+px] == 0 {
				continue
			}
			any := false
			for c := 0; c < nc; c++ {
				gdc[c] = gd.Values[(b*nc+c)*pxn+px] * dc.stepSize
				if gdc[c] != 0 {
					any = true
				}
			}
			if !any {
				continue
			}
			// second layer: d = W2 h + b2
			for j := range ghid {
				ghid[j] = 0
			}
			for c := 0; c < nc; c++ {
				gc := gdc[c]
				if gc == 0 {
					continue
				}
				ru.B2.Grad[c] += gc
				wr := ru.W2.Val[c*hid : (c+1)*hid]
				gr := ru.W2.Grad[c*hid : (c+1)*hid]
				for j := 0; j < hid; j++ {
					hv := dc.h.Values[(b*hid+j)*pxn+px]
					gr[j] += gc * hv
					ghid[j] += wr[j] * gc
				}
			}
			// first layer through the ReLU: h > 0 is the active set
			for j := 0; j < hid; j++ {
				gz := ghid[j]
				if gz == 0 || dc.h.Values[(b*hid+j)*pxn+px] <= 0 {
					continue
				}
				ru.B1.Grad[j] += gz
				wr := ru.W1.Val[j*np : (j+1)*np]
				gr := ru.W1.Grad[j*np : (j+1)*np]
				for k := 0; k < np; k++ {
					pv := dc.p.Values[(b*np+k)*pxn+px]
					gr[k] += gz * pv
					gp.Values[(b*np+k)*pxn+px] += wr[k] * gz
				}
			}
		}
	}
	ru.backPerceive(gp, dc.angle, dx)
}

// backPerceive is the adjoint of Perceive: the transposed depthwise conv
// of the perception gradient against the same fixed kernels, with the
// same circular wrap.
func (ru *Rule) backPerceive(gp *etensor.Float32, angle float32, dx *etensor.Float32) {
	nb, nc, ny, nx := dx.Dim(0), dx.Dim(1), dx.Dim(2), dx.Dim(3)
	id, kdx, kdy := kernels(angle)
	ks := [3][9]float32{id, kdx, kdy}
	for b := 0; b < nb; b++ {
		for c := 0; c < nc; c++ {
			ci := (b*nc + c) * ny * nx
			for k := 0; k < 3; k++ {
				gi := (b*3*nc + 3*c + k) * ny * nx
				for y := 0; y < ny; y++ {
					for xx := 0; xx < nx; xx++ {
						var sum float32
						for u := 0; u < 3; u++ {
							yy := (y - u + 1 + ny) % ny
							for v := 0; v < 3; v++ {
								xw := (xx - v + 1 + nx) % nx
								sum += ks[k][u*3+v] * gp.Values[gi+yy*nx+xw]
							}
						}
						dx.Values[ci+y*nx+xx] += sum
					}
				}
			}
		}
	}
}
