package model

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
)

// Embeddings is a [vocab, dim] lookup table.
type Embeddings struct {
	*mat.Dense
}

// Lookup copies the embedding of id into dst.
func (e Embeddings) Lookup(dst []float64, id int32) error {
	if r, _ := e.Dims(); id < 0 || int(id) >= r {
		return fmt.Errorf("token id %d outside vocabulary of %d: %w", id, r, ErrUnknownToken)
	}
	copy(dst, e.RawRowView(int(id)))
	return nil
}

func (e Embeddings) Dim() int {
	_, c := e.Dims()
	return c
}

// Encoder max-pools token embeddings over time and maps the pooled vector
// through a bias-free linear head per latent factor.
type Encoder struct {
	embed          Embeddings
	content, style *mat.Dense // [dim, 2*nz]
}

var _ latent.Encoder = (*Encoder)(nil)

func NewEncoder(embed Embeddings, content, style *mat.Dense) (*Encoder, error) {
	for _, head := range []*mat.Dense{content, style} {
		if r, c := head.Dims(); r != embed.Dim() || c%2 != 0 {
			return nil, fmt.Errorf("encoder head %dx%d for embedding width %d: %w", r, c, embed.Dim(), latent.ErrShapeMismatch)
		}
	}
	return &Encoder{embed: embed, content: content, style: style}, nil
}

func (e *Encoder) pool(inputs [][]int32) (*mat.Dense, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("encoder: empty batch: %w", latent.ErrShapeMismatch)
	}

	dim := e.embed.Dim()
	pooled := mat.NewDense(len(inputs), dim, nil)
	row := make([]float64, dim)
	for i, seq := range inputs {
		if len(seq) == 0 {
			return nil, fmt.Errorf("encoder: sequence %d is empty: %w", i, latent.ErrShapeMismatch)
		}

		out := pooled.RawRowView(i)
		for j := range out {
			out[j] = math.Inf(-1)
		}
		for _, id := range seq {
			if err := e.embed.Lookup(row, id); err != nil {
				return nil, err
			}
			for j, v := range row {
				out[j] = max(out[j], v)
			}
		}
	}
	return pooled, nil
}

func head(pooled, w *mat.Dense) latent.Distribution {
	batch, _ := pooled.Dims()
	_, c := w.Dims()

	var out mat.Dense
	out.Mul(pooled, w)
	return latent.Distribution{
		Mean:   mat.DenseCopyOf(out.Slice(0, batch, 0, c/2)),
		LogVar: mat.DenseCopyOf(out.Slice(0, batch, c/2, c)),
	}
}

func (e *Encoder) Forward(inputs [][]int32) (content, style latent.Distribution, err error) {
	pooled, err := e.pool(inputs)
	if err != nil {
		return latent.Distribution{}, latent.Distribution{}, err
	}
	return head(pooled, e.content), head(pooled, e.style), nil
}

func (e *Encoder) Sample(rng *rand.Rand, inputs [][]int32, nsamples int) (latent.Encoding, error) {
	return latent.SampleFrom(rng, e, inputs, nsamples)
}

func (e *Encoder) Encode(rng *rand.Rand, inputs [][]int32, nsamples int) (latent.Encoding, error) {
	return latent.EncodeWith(rng, e, inputs, nsamples)
}

func (e *Encoder) MutualInformation(rng *rand.Rand, inputs [][]int32) (content, style float64, err error) {
	return latent.MutualInformationOf(rng, e, inputs)
}

// Dims returns the content and style widths.
func (e *Encoder) Dims() (content, style int) {
	_, c := e.content.Dims()
	_, s := e.style.Dims()
	return c / 2, s / 2
}
