package prior

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
)

// shift projects c to N(c, exp(logvar)) so style depends on content exactly
// when style samples sit near their content codes.
type shift struct {
	logvar float64
}

func (p shift) Project(c *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	r, n := c.Dims()
	logvar := mat.NewDense(r, n, nil)
	logvar.Apply(func(_, _ int, _ float64) float64 { return p.logvar }, logvar)
	return mat.DenseCopyOf(c), logvar, nil
}

func gaussian(rng *rand.Rand, r, c int, scale float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return mat.NewDense(r, c, data)
}

func TestLogProbMatchesDiagonalDensity(t *testing.T) {
	s := []float64{0.3, -1.2, 2}
	mean := []float64{0, -1, 1}
	logvar := []float64{0, math.Log(0.5), math.Log(3)}

	got, err := LogProb(s, mean, logvar)
	require.NoError(t, err)

	jittered := make([]float64, len(logvar))
	for i, v := range logvar {
		jittered[i] = math.Log(math.Exp(v) + Jitter)
	}
	assert.InDelta(t, latent.LogDensity(s, mean, jittered), got, 1e-9)

	_, err = LogProb([]float64{1}, mean, logvar)
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)
}

func TestLogProbTinyVariance(t *testing.T) {
	got, err := LogProb([]float64{0}, []float64{0}, []float64{-200})
	require.NoError(t, err)
	assert.False(t, math.IsInf(got, 0) || math.IsNaN(got), "got %v", got)
}

func TestExpectedLogProb(t *testing.T) {
	p := New(shift{logvar: 0})
	contents := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	samples := mat.NewDense(2, 2, []float64{0, 0, 1, 1})

	got, err := p.ExpectedLogProb(samples, contents)
	require.NoError(t, err)
	want := -math.Log(2*math.Pi) - math.Log(1+Jitter)
	assert.InDelta(t, want, got, 1e-9)

	_, err = p.ExpectedLogProb(mat.NewDense(3, 2, nil), contents)
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	_, err = p.ExpectedLogProb(mat.NewDense(2, 3, nil), contents)
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)
}

func TestDistributionMatchLossRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p := New(RandomMLP(rng, 4, 3, DefaultHidden, 0.1))
	contents := gaussian(rng, 5, 4, 1)

	mean, logvar, err := p.Forward(contents)
	require.NoError(t, err)

	loss, err := p.DistributionMatchLoss(mean, logvar, contents)
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)

	shifted := mat.DenseCopyOf(mean)
	shifted.Set(0, 0, shifted.At(0, 0)+2)
	loss, err = p.DistributionMatchLoss(shifted, logvar, contents)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/5, loss, 1e-12)

	_, err = p.DistributionMatchLoss(mat.NewDense(5, 2, nil), logvar, contents)
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)
}

func TestContrastiveMI(t *testing.T) {
	const batch, dim = 64, 4
	p := New(shift{logvar: math.Log(0.1)})

	rng := rand.New(rand.NewSource(5))
	c := gaussian(rng, batch, dim, 1)

	correlated := mat.DenseCopyOf(c)
	correlated.Add(correlated, gaussian(rng, batch, dim, 0.1))

	independent := gaussian(rng, batch, dim, 1)

	dependent, err := p.ContrastiveMI(rng, latent.Sample{correlated}, latent.Sample{c})
	require.NoError(t, err)

	unrelated, err := p.ContrastiveMI(rng, latent.Sample{independent}, latent.Sample{c})
	require.NoError(t, err)

	assert.Greater(t, dependent, unrelated+1)
	assert.Greater(t, dependent, 0.0)
}

func TestContrastiveMIFreshNegatives(t *testing.T) {
	const batch, dim = 32, 2
	p := New(shift{logvar: 0})

	src := rand.New(rand.NewSource(8))
	s := latent.Sample{gaussian(src, batch, dim, 1)}
	c := latent.Sample{gaussian(src, batch, dim, 1)}

	a, err := p.ContrastiveMI(rand.New(rand.NewSource(1)), s, c)
	require.NoError(t, err)
	b, err := p.ContrastiveMI(rand.New(rand.NewSource(1)), s, c)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same seed must reproduce the estimate")

	rng := rand.New(rand.NewSource(1))
	first, err := p.ContrastiveMI(rng, s, c)
	require.NoError(t, err)
	second, err := p.ContrastiveMI(rng, s, c)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "negatives must be redrawn on every call")
}

func TestContrastiveMIShapes(t *testing.T) {
	p := New(shift{logvar: 0})
	rng := rand.New(rand.NewSource(1))

	one := mat.NewDense(2, 2, nil)
	_, err := p.ContrastiveMI(rng, latent.Sample{one, one}, latent.Sample{one})
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	_, err = p.ContrastiveMI(rng, latent.Sample{mat.NewDense(3, 2, nil)}, latent.Sample{one})
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	_, err = p.ContrastiveMI(rng, nil, nil)
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	// two samples per example flatten to four rows
	mi, err := p.ContrastiveMI(rng, latent.Sample{one, one}, latent.Sample{one, one})
	require.NoError(t, err)
	assert.InDelta(t, 0, mi, 1e-12)
}

func TestMLP(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m := RandomMLP(rng, 3, 2, 8, 0.5)

	nc, ns := m.Dims()
	assert.Equal(t, 3, nc)
	assert.Equal(t, 2, ns)

	mean, logvar, err := m.Project(gaussian(rng, 4, 3, 1))
	require.NoError(t, err)

	r, c := mean.Dims()
	assert.Equal(t, []int{4, 2}, []int{r, c})
	r, c = logvar.Dims()
	assert.Equal(t, []int{4, 2}, []int{r, c})

	_, _, err = m.Project(mat.NewDense(4, 5, nil))
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)

	// relu zeroes negative activations, so a zero first layer gives zero output
	zero, err := NewMLP(mat.NewDense(3, 8, nil), m.W2)
	require.NoError(t, err)
	mean, _, err = zero.Project(gaussian(rng, 4, 3, 1))
	require.NoError(t, err)
	assert.True(t, mat.Equal(mean, mat.NewDense(4, 2, nil)))

	_, err = NewMLP(mat.NewDense(3, 8, nil), mat.NewDense(7, 4, nil))
	assert.ErrorIs(t, err, latent.ErrShapeMismatch)
}
