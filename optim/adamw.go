package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/forgi86/extension-cpp/autograd"
	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/tensor"
)

// AdamWConfig holds the optimizer hyperparameters. Zero Beta1, Beta2 and
// Eps take the usual defaults (0.9, 0.999, 1e-8).
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// AdamW implements Adam with decoupled weight decay on host float64 tensors.
type AdamW struct {
	params []*tensor.Tensor
	cfg    AdamWConfig
	t      int
	m      []backend.Storage // first moment
	v      []backend.Storage // second moment
}

// NewAdamW creates an AdamW optimizer. params are modified in place and must
// live in host memory.
func NewAdamW(params []*tensor.Tensor, cfg AdamWConfig) (*AdamW, error) {
	if len(params) == 0 {
		return nil, errors.New("adamw: no parameters")
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	a := &AdamW{params: params, cfg: cfg, m: make([]backend.Storage, len(params)), v: make([]backend.Storage, len(params))}
	for i, p := range params {
		if p.Storage.Bytes() == nil {
			return nil, fmt.Errorf("adamw: parameter %d on %s is not in host memory", i, p.Device())
		}
		be, err := backend.GetForDevice(p.Device())
		if err != nil {
			return nil, err
		}
		n := p.NumElements()
		for _, s := range []*backend.Storage{&a.m[i], &a.v[i]} {
			if *s, err = be.Alloc(n * int(p.DType.Size())); err != nil {
				return nil, err
			}
			if err := be.Fill(*s, n, 0); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// Step performs one parameter update from each parameter's Grad. Parameters
// without a gradient are left alone.
func (a *AdamW) Step() error {
	a.t++
	c := a.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(c.Beta2, float64(a.t))
	for i, p := range a.params {
		if p.Grad == nil {
			continue
		}
		if !p.Contiguous() || !p.Grad.Contiguous() {
			return fmt.Errorf("adamw: parameter %d is not contiguous", i)
		}
		n := p.NumElements()
		grad := p.Grad.Float64()
		param := p.Float64()
		m := tensor.Float64FromBytes(a.m[i].Bytes())[:n]
		v := tensor.Float64FromBytes(a.v[i].Bytes())[:n]
		for j := 0; j < n; j++ {
			g := grad[j]
			// decoupled weight decay
			param[j] -= c.LR * c.WeightDecay * param[j]
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			param[j] -= c.LR * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + c.Eps)
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient.
func (a *AdamW) ZeroGrad() error {
	for _, p := range a.params {
		if err := autograd.ZeroGrad(p); err != nil {
			return err
		}
	}
	return nil
}
