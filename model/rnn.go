package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/decode"
	"github.com/jmorganca/disentangle/latent"
)

// RNNDecoder is an Elman cell conditioned on the latent code at every step:
//
//	h0 = tanh(z*W_init)
//	h' = tanh([emb(x); z]*W_in + h*W_h)
//	logits = h'*W_out
//
// States are []float64 hidden vectors and are never written after they
// are returned.
type RNNDecoder struct {
	embed Embeddings

	initial *mat.Dense // [nz, hidden]
	input   *mat.Dense // [dim+nz, hidden]
	hidden  *mat.Dense // [hidden, hidden]
	output  *mat.Dense // [hidden, vocab]
}

var _ decode.Step = (*RNNDecoder)(nil)

func NewRNNDecoder(embed Embeddings, initial, input, hidden, output *mat.Dense) (*RNNDecoder, error) {
	nz, nh := initial.Dims()
	ir, ic := input.Dims()
	hr, hc := hidden.Dims()
	or, oc := output.Dims()
	ev, _ := embed.Dims()

	switch {
	case ir != embed.Dim()+nz || ic != nh:
		return nil, fmt.Errorf("decoder input weights %dx%d, want %dx%d: %w", ir, ic, embed.Dim()+nz, nh, latent.ErrShapeMismatch)
	case hr != nh || hc != nh:
		return nil, fmt.Errorf("decoder hidden weights %dx%d, want %dx%d: %w", hr, hc, nh, nh, latent.ErrShapeMismatch)
	case or != nh || oc != ev:
		return nil, fmt.Errorf("decoder output weights %dx%d, want %dx%d: %w", or, oc, nh, ev, latent.ErrShapeMismatch)
	}

	return &RNNDecoder{embed: embed, initial: initial, input: input, hidden: hidden, output: output}, nil
}

func (d *RNNDecoder) VocabSize() int {
	_, c := d.output.Dims()
	return c
}

// LatentDim is the width of the codes the decoder conditions on.
func (d *RNNDecoder) LatentDim() int {
	r, _ := d.initial.Dims()
	return r
}

func (d *RNNDecoder) checkCode(z *mat.Dense) error {
	if _, c := z.Dims(); c != d.LatentDim() {
		return fmt.Errorf("decoder: code width %d, want %d: %w", c, d.LatentDim(), latent.ErrShapeMismatch)
	}
	return nil
}

func (d *RNNDecoder) Init(z *mat.Dense) ([]decode.State, error) {
	if err := d.checkCode(z); err != nil {
		return nil, err
	}

	var h mat.Dense
	h.Mul(z, d.initial)

	rows, _ := h.Dims()
	states := make([]decode.State, rows)
	for i := range rows {
		row := make([]float64, 0, len(h.RawRowView(i)))
		for _, v := range h.RawRowView(i) {
			row = append(row, math.Tanh(v))
		}
		states[i] = row
	}
	return states, nil
}

func (d *RNNDecoder) Step(tokens []int32, states []decode.State, z *mat.Dense) (*mat.Dense, []decode.State, error) {
	if err := d.checkCode(z); err != nil {
		return nil, nil, err
	}
	if rows, _ := z.Dims(); rows != len(tokens) || len(states) != len(tokens) {
		return nil, nil, fmt.Errorf("decoder: %d tokens, %d states, %d codes: %w", len(tokens), len(states), rows, latent.ErrShapeMismatch)
	}

	_, nh := d.initial.Dims()
	dim, nz := d.embed.Dim(), d.LatentDim()

	x := mat.NewDense(len(tokens), dim+nz, nil)
	h := mat.NewDense(len(tokens), nh, nil)
	for i, tok := range tokens {
		row := x.RawRowView(i)
		if err := d.embed.Lookup(row[:dim], tok); err != nil {
			return nil, nil, err
		}
		copy(row[dim:], z.RawRowView(i))

		prev, ok := states[i].([]float64)
		if !ok || len(prev) != nh {
			return nil, nil, fmt.Errorf("decoder: state %d is %T: %w", i, states[i], latent.ErrShapeMismatch)
		}
		h.SetRow(i, prev)
	}

	var next, recur mat.Dense
	next.Mul(x, d.input)
	recur.Mul(h, d.hidden)
	next.Add(&next, &recur)
	next.Apply(func(_, _ int, v float64) float64 {
		return math.Tanh(v)
	}, &next)

	var logits mat.Dense
	logits.Mul(&next, d.output)

	out := make([]decode.State, len(tokens))
	for i := range out {
		out[i] = mat.Row(nil, i, &next)
	}
	return &logits, out, nil
}
