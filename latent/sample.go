package latent

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Sample is a [nsamples, batch, nz] tensor stored as one batch matrix per
// sample index.
type Sample []*mat.Dense

func (s Sample) Shape() (nsamples, batch, nz int) {
	if len(s) == 0 {
		return 0, 0, 0
	}
	batch, nz = s[0].Dims()
	return len(s), batch, nz
}

// Flatten stacks the samples into a [nsamples*batch, nz] matrix, sample
// major, so row n*batch+i holds sample n of example i.
func (s Sample) Flatten() *mat.Dense {
	n, batch, nz := s.Shape()
	if n == 1 {
		return s[0]
	}

	out := mat.NewDense(n*batch, nz, nil)
	for k, m := range s {
		out.Slice(k*batch, (k+1)*batch, 0, nz).(*mat.Dense).Copy(m)
	}
	return out
}

// Concat joins content and style codes along the latent axis. Sample counts
// and batch sizes must agree.
func Concat(c, s Sample) (Sample, error) {
	nc, bc, dc := c.Shape()
	ns, bs, ds := s.Shape()
	if nc != ns || bc != bs {
		return nil, fmt.Errorf("latent: content is [%d %d %d], style is [%d %d %d]: %w", nc, bc, dc, ns, bs, ds, ErrShapeMismatch)
	}

	out := make(Sample, nc)
	for k := range out {
		var z mat.Dense
		z.Augment(c[k], s[k])
		out[k] = &z
	}
	return out, nil
}
