// Package prior models the style latent as conditioned on the content
// latent through a diagonal Gaussian p(s | c) whose parameters come from a
// projection of c.
package prior

import (
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/jmorganca/disentangle/latent"
)

// Jitter is added to every variance before a density is evaluated.
const Jitter = 1e-6

type StylePrior struct {
	proj Projection
}

func New(proj Projection) *StylePrior {
	return &StylePrior{proj: proj}
}

// Forward projects a batch of content codes to style parameters.
func (p *StylePrior) Forward(content *mat.Dense) (mean, logvar *mat.Dense, err error) {
	return p.proj.Project(content)
}

func normal(mean, logvar []float64) (*distmv.Normal, error) {
	if len(mean) == 0 || len(mean) != len(logvar) {
		return nil, fmt.Errorf("prior: mean width %d, log variance width %d: %w", len(mean), len(logvar), latent.ErrShapeMismatch)
	}

	variance := make([]float64, len(logvar))
	for i, v := range logvar {
		variance[i] = math.Exp(v) + Jitter
	}

	n, ok := distmv.NewNormal(mean, mat.NewDiagDense(len(variance), variance), nil)
	if !ok {
		return nil, fmt.Errorf("prior: covariance not positive definite: %w", latent.ErrNonFinite)
	}
	return n, nil
}

// LogProb evaluates log N(s; mean, diag(exp(logvar) + Jitter)).
func LogProb(s, mean, logvar []float64) (float64, error) {
	if len(s) != len(mean) {
		return 0, fmt.Errorf("prior: sample width %d, mean width %d: %w", len(s), len(mean), latent.ErrShapeMismatch)
	}

	n, err := normal(mean, logvar)
	if err != nil {
		return 0, err
	}
	return n.LogProb(s), nil
}

func (p *StylePrior) project(samples, contents *mat.Dense) ([]*distmv.Normal, error) {
	sb, sw := samples.Dims()
	cb, _ := contents.Dims()
	if sb != cb {
		return nil, fmt.Errorf("prior: %d style rows, %d content rows: %w", sb, cb, latent.ErrShapeMismatch)
	}

	mean, logvar, err := p.proj.Project(contents)
	if err != nil {
		return nil, err
	}

	if _, ns := mean.Dims(); ns != sw {
		return nil, fmt.Errorf("prior: style width %d, projection produces %d: %w", sw, ns, latent.ErrShapeMismatch)
	}

	dists := make([]*distmv.Normal, sb)
	for i := range dists {
		dists[i], err = normal(mean.RawRowView(i), logvar.RawRowView(i))
		if err != nil {
			return nil, fmt.Errorf("prior: row %d: %w", i, err)
		}
	}
	return dists, nil
}

// ExpectedLogProb is the batch mean of log p(s_i | c_i), each style sample
// scored under the distribution projected from its own content code.
func (p *StylePrior) ExpectedLogProb(samples, contents *mat.Dense) (float64, error) {
	dists, err := p.project(samples, contents)
	if err != nil {
		return 0, err
	}

	var sum float64
	for i, d := range dists {
		sum += d.LogProb(samples.RawRowView(i))
	}
	return sum / float64(len(dists)), nil
}

// DistributionMatchLoss is the summed squared error between the projected
// parameters and the reference posterior, means compared directly and log
// variances compared as variances, divided by the batch size.
func (p *StylePrior) DistributionMatchLoss(meanRef, logvarRef, contents *mat.Dense) (float64, error) {
	mean, logvar, err := p.proj.Project(contents)
	if err != nil {
		return 0, err
	}

	r, c := mean.Dims()
	if rr, rc := meanRef.Dims(); rr != r || rc != c {
		return 0, fmt.Errorf("prior: reference mean is %dx%d, projection is %dx%d: %w", rr, rc, r, c, latent.ErrShapeMismatch)
	}
	if rr, rc := logvarRef.Dims(); rr != r || rc != c {
		return 0, fmt.Errorf("prior: reference log variance is %dx%d, projection is %dx%d: %w", rr, rc, r, c, latent.ErrShapeMismatch)
	}

	var loss float64
	for i := range r {
		m, mr := mean.RawRowView(i), meanRef.RawRowView(i)
		lv, lvr := logvar.RawRowView(i), logvarRef.RawRowView(i)
		for j := range c {
			dm := m[j] - mr[j]
			dv := math.Exp(lv[j]) - math.Exp(lvr[j])
			loss += dm*dm + dv*dv
		}
	}
	return loss / float64(r), nil
}

// ContrastiveMI estimates a lower bound on I(s; c) by contrasting each
// pair's log density against a mismatched pair: the batch mean of
// log p(s_i | c_i) - log p(s_i | c_j), with j drawn uniformly from rng for
// every row on every call.
func (p *StylePrior) ContrastiveMI(rng *rand.Rand, samples, contents latent.Sample) (float64, error) {
	nc, bc, _ := contents.Shape()
	ns, bs, _ := samples.Shape()
	if nc != ns || bc != bs {
		return 0, fmt.Errorf("prior: content is [%d %d], style is [%d %d]: %w", nc, bc, ns, bs, latent.ErrShapeMismatch)
	}
	if nc == 0 || bc == 0 {
		return 0, fmt.Errorf("prior: empty batch: %w", latent.ErrShapeMismatch)
	}

	s := samples.Flatten()
	dists, err := p.project(s, contents.Flatten())
	if err != nil {
		return 0, err
	}

	n := len(dists)
	var sum float64
	for i, d := range dists {
		j := rng.Intn(n)
		row := s.RawRowView(i)
		sum += d.LogProb(row) - dists[j].LogProb(row)
	}

	mi := sum / float64(n)
	slog.Debug("contrastive mutual information", "rows", n, "estimate", mi)
	return mi, nil
}
