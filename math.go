package mamlgo

import (
	"math"
	"sync"
)

// Hand-written float32 kernels with float64 accumulation. Forward kernels
// write their outputs; backward kernels accumulate (+=) into gradients, so
// callers zero gradient arenas once per accumulation window.

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func sqrtf(x float32) float32 { return float32(math.Sqrt(float64(x))) }

func powf(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) }

func isFinite(x float32) bool {
	f := float64(x)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// encoderForward sums token and position embeddings into (B, T, C).
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := out[b*T*C+t*C:]
			tok := wte[int(inp[b*T+t])*C:]
			pos := wpe[t*C:]
			for i := 0; i < C; i++ {
				dst[i] = tok[i] + pos[i]
			}
		}
	}
}

func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			src := dout[b*T*C+t*C:]
			dtok := dwte[int(inp[b*T+t])*C:]
			dpos := dwpe[t*C:]
			for i := 0; i < C; i++ {
				dtok[i] += src[i]
				dpos[i] += src[i]
			}
		}
	}
}

func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				d := float64(x[i]) - m
				v += d * d
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			dst := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				dst[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			doutBT := dout[base : base+C]
			inpBT := inp[base : base+C]
			dinpBT := dinp[base : base+C]
			m := mean[b*T+t]
			s := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dnormMean += dnorm
				dnormNormMean += dnorm * norm
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += norm * doutBT[i]
				dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias over (B, T) positions,
// parallelized across rows. weight is (OC, C) row-major.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for t := 0; t < T; t++ {
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			}
		}(b)
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*OC+t*OC:]
			dinpBT := dinp[b*T*C+t*C:]
			for o := 0; o < OC; o++ {
				wrow := weight[o*C:]
				d := doutBT[o]
				for i := 0; i < C; i++ {
					dinpBT[i] += wrow[i] * d
				}
			}
		}
	}
	for o := 0; o < OC; o++ {
		dwrow := dweight[o*C:]
		for b := 0; b < B; b++ {
			for t := 0; t < T; t++ {
				doutBT := dout[b*T*OC+t*OC:]
				inpBT := inp[b*T*C+t*C:]
				d := doutBT[o]
				if dbias != nil {
					dbias[o] += d
				}
				for i := 0; i < C; i++ {
					dwrow[i] += inpBT[i] * d
				}
			}
		}
	}
}

// attentionForward: inp is (B, T, 3C) packed Q/K/V; preatt and att are
// (B, NH, T, T); out is (B, T, C). Causal mask: positions attend to <= t.
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				for t := 0; t < T; t++ {
					query := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					maxval := -10000.0
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(query[i]) * float64(key[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}

					var expsum float64
					for t2 := 0; t2 <= t; t2++ {
						e := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += e
						attBTH[t2] = float32(e)
					}
					inv := 0.0
					if expsum != 0 {
						inv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] = float32(float64(attBTH[t2]) * inv)
						} else {
							attBTH[t2] = 0
						}
					}

					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * value[i]
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				query := inp[b*T*C3+t*C3+h*hs:]
				dquery := dinp[b*T*C3+t*C3+h*hs:]
				doutBTH := dout[b*T*C+t*C+h*hs:]

				// through the value accumulation
				for t2 := 0; t2 <= t; t2++ {
					value := inp[b*T*C3+t2*C3+h*hs+2*C:]
					dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += value[i] * doutBTH[i]
						dvalue[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// through the softmax
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						indicator := float32(0)
						if t2 == t3 {
							indicator = 1
						}
						dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
					}
				}
				// through the query @ key dot products
				for t2 := 0; t2 <= t; t2++ {
					key := inp[b*T*C3+t2*C3+h*hs+C:]
					dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dquery[i] += key[i] * dpreattBTH[t2] * scale
						dkey[i] += query[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

var geluScale = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScale*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := math.Tanh(arg)
		cosh := math.Cosh(arg)
		sech2 := 1.0 / (cosh * cosh)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech2*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(local) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			logitsBT := logits[base : base+V]
			probsBT := probs[base : base+V]
			maxval := float32(-10000.0)
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float64
			for i := 0; i < V; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}
			for i := 0; i < V; i++ {
				probsBT[i] = float32(float64(probsBT[i]) / sum)
			}
		}
	}
}

func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			p := probs[b*T*V+t*V+int(targets[b*T+t])]
			losses[b*T+t] = float32(-math.Log(float64(p)))
		}
	}
}

// crossEntropySoftmaxBackward fuses the softmax and cross-entropy backward
// into dlogits = (p - onehot(target)) * dloss.
func crossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			dloss := dlosses[b*T+t]
			ix := int(targets[b*T+t])
			for i := 0; i < V; i++ {
				ind := float32(0)
				if i == ix {
					ind = 1
				}
				dlogits[base+i] += (probs[base+i] - ind) * dloss
			}
		}
	}
}
