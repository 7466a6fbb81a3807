package prior

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
)

// DefaultHidden is the width of the MLP's intermediate layer.
const DefaultHidden = 128

// Projection maps a batch of content codes to style posterior parameters.
type Projection interface {
	Project(content *mat.Dense) (mean, logvar *mat.Dense, err error)
}

// MLP is a bias-free two layer projection: relu(c*W1)*W2, with the output
// split into mean and log variance halves.
type MLP struct {
	W1 *mat.Dense // [content, hidden]
	W2 *mat.Dense // [hidden, 2*style]
}

func NewMLP(w1, w2 *mat.Dense) (*MLP, error) {
	_, h := w1.Dims()
	r, c := w2.Dims()
	if r != h || c%2 != 0 {
		return nil, fmt.Errorf("prior: projection weights %dx%d do not follow hidden width %d: %w", r, c, h, latent.ErrShapeMismatch)
	}
	return &MLP{W1: w1, W2: w2}, nil
}

// RandomMLP initialises an MLP with weights uniform in [-scale, scale].
func RandomMLP(rng *rand.Rand, content, style, hidden int, scale float64) *MLP {
	uniform := func(r, c int) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = (2*rng.Float64() - 1) * scale
		}
		return mat.NewDense(r, c, data)
	}
	return &MLP{W1: uniform(content, hidden), W2: uniform(hidden, 2*style)}
}

// Dims returns the content and style widths the projection expects.
func (m *MLP) Dims() (content, style int) {
	content, _ = m.W1.Dims()
	_, c := m.W2.Dims()
	return content, c / 2
}

func (m *MLP) Project(content *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	batch, nc := content.Dims()
	if want, _ := m.W1.Dims(); nc != want {
		return nil, nil, fmt.Errorf("prior: content width %d, projection expects %d: %w", nc, want, latent.ErrShapeMismatch)
	}

	var hidden mat.Dense
	hidden.Mul(content, m.W1)
	hidden.Apply(func(_, _ int, v float64) float64 {
		return max(v, 0)
	}, &hidden)

	var out mat.Dense
	out.Mul(&hidden, m.W2)

	_, ns := m.Dims()
	mean := mat.DenseCopyOf(out.Slice(0, batch, 0, ns))
	logvar := mat.DenseCopyOf(out.Slice(0, batch, ns, 2*ns))
	return mean, logvar, nil
}
