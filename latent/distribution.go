// Package latent holds the Gaussian posterior utilities shared by the
// content and style factors: reparameterized sampling, KL divergence to a
// standard-normal prior and a batch estimate of mutual information.
package latent

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrUnsupported   = errors.New("unsupported")
	ErrNonFinite     = errors.New("non-finite log variance")
)

var log2Pi = math.Log(2 * math.Pi)

// Distribution is a batch of diagonal Gaussians, one row per example.
type Distribution struct {
	Mean   *mat.Dense
	LogVar *mat.Dense
}

// NewDistribution builds a Distribution from row-major batch slices.
func NewDistribution(mean, logvar [][]float64) (Distribution, error) {
	if len(mean) == 0 || len(mean) != len(logvar) {
		return Distribution{}, fmt.Errorf("latent: %d means, %d log variances: %w", len(mean), len(logvar), ErrShapeMismatch)
	}

	nz := len(mean[0])
	m := mat.NewDense(len(mean), nz, nil)
	lv := mat.NewDense(len(mean), nz, nil)
	for i := range mean {
		if len(mean[i]) != nz || len(logvar[i]) != nz {
			return Distribution{}, fmt.Errorf("latent: row %d: %w", i, ErrShapeMismatch)
		}
		m.SetRow(i, mean[i])
		lv.SetRow(i, logvar[i])
	}

	d := Distribution{Mean: m, LogVar: lv}
	return d, d.Validate()
}

// Dims returns the batch size and the latent dimension.
func (d Distribution) Dims() (batch, nz int) {
	return d.Mean.Dims()
}

// Row returns views of the mean and log variance of example i.
func (d Distribution) Row(i int) (mean, logvar []float64) {
	return d.Mean.RawRowView(i), d.LogVar.RawRowView(i)
}

func (d Distribution) Validate() error {
	if d.Mean == nil || d.LogVar == nil {
		return fmt.Errorf("latent: missing parameters: %w", ErrShapeMismatch)
	}

	r, c := d.Mean.Dims()
	lr, lc := d.LogVar.Dims()
	if r != lr || c != lc {
		return fmt.Errorf("latent: mean is %dx%d, log variance is %dx%d: %w", r, c, lr, lc, ErrShapeMismatch)
	}

	for i := range r {
		for _, v := range d.LogVar.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("latent: example %d: %w", i, ErrNonFinite)
			}
		}
	}

	return nil
}

// Reparameterize draws nsamples latent codes per example as
// mean + eps*exp(0.5*logvar) with eps ~ N(0, I) taken from rng.
func Reparameterize(rng *rand.Rand, d Distribution, nsamples int) (Sample, error) {
	if nsamples < 1 {
		return nil, fmt.Errorf("latent: %d samples requested: %w", nsamples, ErrShapeMismatch)
	}

	batch, nz := d.Dims()
	std := mat.NewDense(batch, nz, nil)
	std.Apply(func(_, _ int, v float64) float64 {
		return math.Exp(0.5 * v)
	}, d.LogVar)

	s := make(Sample, nsamples)
	for n := range s {
		z := mat.NewDense(batch, nz, nil)
		for i := range batch {
			mean, row, sd := d.Mean.RawRowView(i), z.RawRowView(i), std.RawRowView(i)
			for j := range row {
				row[j] = mean[j] + rng.NormFloat64()*sd[j]
			}
		}
		s[n] = z
	}

	return s, nil
}

// KL returns the per-example divergence of d from N(0, I):
// 0.5 * sum(mean^2 + exp(logvar) - logvar - 1).
func KL(d Distribution) []float64 {
	batch, _ := d.Dims()
	kl := make([]float64, batch)
	for i := range kl {
		mean, logvar := d.Row(i)
		var sum float64
		for j := range mean {
			sum += mean[j]*mean[j] + math.Exp(logvar[j]) - logvar[j] - 1
		}
		kl[i] = 0.5 * sum
	}
	return kl
}

// CombinedKL sums the content and style KL terms per example.
func CombinedKL(content, style Distribution) ([]float64, error) {
	cb, _ := content.Dims()
	sb, _ := style.Dims()
	if cb != sb {
		return nil, fmt.Errorf("latent: content batch %d, style batch %d: %w", cb, sb, ErrShapeMismatch)
	}

	kl := KL(content)
	floats.Add(kl, KL(style))
	return kl, nil
}

// LogDensity evaluates log N(z; mean, diag(exp(logvar))).
func LogDensity(z, mean, logvar []float64) float64 {
	var quad, sumLogVar float64
	for i := range z {
		dev := z[i] - mean[i]
		quad += dev * dev / math.Exp(logvar[i])
		sumLogVar += logvar[i]
	}
	return -0.5*quad - 0.5*(float64(len(z))*log2Pi+sumLogVar)
}
