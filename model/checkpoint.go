package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/disentangle/latent"
	"github.com/jmorganca/disentangle/prior"
)

const checkpointVersion = 1

var ErrCheckpointVersion = errors.New("unsupported checkpoint version")

type Config struct {
	EmbedDim    int `cbor:"embed_dim"`
	Hidden      int `cbor:"hidden"`
	Content     int `cbor:"content"`
	Style       int `cbor:"style"`
	PriorHidden int `cbor:"prior_hidden"`
}

func DefaultConfig() Config {
	return Config{
		EmbedDim:    32,
		Hidden:      64,
		Content:     16,
		Style:       8,
		PriorHidden: prior.DefaultHidden,
	}
}

// Matrix is the row-major serialised form of a *mat.Dense. Values are
// stored either as float64 in Data or as IEEE half precision bits in F16.
type Matrix struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	Data []float64 `cbor:"data,omitempty"`
	F16  []uint16  `cbor:"f16,omitempty"`
}

func FromDense(m *mat.Dense) Matrix {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := range r {
		data = append(data, m.RawRowView(i)...)
	}
	return Matrix{Rows: r, Cols: c, Data: data}
}

// Len is the number of stored values in either precision.
func (m Matrix) Len() int {
	return max(len(m.Data), len(m.F16))
}

// Half converts the values to half precision.
func (m Matrix) Half() Matrix {
	if m.F16 != nil {
		return m
	}

	bits := make([]uint16, len(m.Data))
	for i, v := range m.Data {
		bits[i] = float16.Fromfloat32(float32(v)).Bits()
	}
	return Matrix{Rows: m.Rows, Cols: m.Cols, F16: bits}
}

func (m Matrix) Dense() (*mat.Dense, error) {
	if m.Rows < 1 || m.Cols < 1 || m.Len() != m.Rows*m.Cols || (m.Data != nil && m.F16 != nil) {
		return nil, fmt.Errorf("matrix %dx%d with %d values: %w", m.Rows, m.Cols, m.Len(), latent.ErrShapeMismatch)
	}

	data := m.Data
	if m.F16 != nil {
		data = make([]float64, len(m.F16))
		for i, bits := range m.F16 {
			data[i] = float64(float16.Frombits(bits).Float32())
		}
	}
	return mat.NewDense(m.Rows, m.Cols, data), nil
}

// Checkpoint holds the vocabulary and every weight of the model. All
// matrices multiply row vectors from the right.
type Checkpoint struct {
	Version    int      `cbor:"version"`
	Config     Config   `cbor:"config"`
	Vocabulary []string `cbor:"vocabulary"`

	Embeddings Matrix `cbor:"embeddings"` // [vocab, embed]

	ContentHead Matrix `cbor:"content_head"` // [embed, 2*content]
	StyleHead   Matrix `cbor:"style_head"`   // [embed, 2*style]

	PriorIn  Matrix `cbor:"prior_in"`  // [content, prior_hidden]
	PriorOut Matrix `cbor:"prior_out"` // [prior_hidden, 2*style]

	DecoderInit   Matrix `cbor:"decoder_init"`   // [content+style, hidden]
	DecoderInput  Matrix `cbor:"decoder_input"`  // [embed+content+style, hidden]
	DecoderHidden Matrix `cbor:"decoder_hidden"` // [hidden, hidden]
	DecoderOutput Matrix `cbor:"decoder_output"` // [hidden, vocab]
}

// NewRandom initialises a checkpoint with weights uniform in [-scale, scale].
func NewRandom(rng *rand.Rand, vocab *Vocabulary, cfg Config, scale float64) (*Checkpoint, error) {
	if cfg.EmbedDim < 1 || cfg.Hidden < 1 || cfg.Content < 1 || cfg.Style < 1 || cfg.PriorHidden < 1 {
		return nil, fmt.Errorf("checkpoint dimensions %+v must be positive: %w", cfg, latent.ErrShapeMismatch)
	}

	uniform := func(r, c int) Matrix {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = (2*rng.Float64() - 1) * scale
		}
		return Matrix{Rows: r, Cols: c, Data: data}
	}

	nv, nz := vocab.Size(), cfg.Content+cfg.Style
	return &Checkpoint{
		Version:       checkpointVersion,
		Config:        cfg,
		Vocabulary:    vocab.Values,
		Embeddings:    uniform(nv, cfg.EmbedDim),
		ContentHead:   uniform(cfg.EmbedDim, 2*cfg.Content),
		StyleHead:     uniform(cfg.EmbedDim, 2*cfg.Style),
		PriorIn:       uniform(cfg.Content, cfg.PriorHidden),
		PriorOut:      uniform(cfg.PriorHidden, 2*cfg.Style),
		DecoderInit:   uniform(nz, cfg.Hidden),
		DecoderInput:  uniform(cfg.EmbedDim+nz, cfg.Hidden),
		DecoderHidden: uniform(cfg.Hidden, cfg.Hidden),
		DecoderOutput: uniform(cfg.Hidden, nv),
	}, nil
}

// Validate checks every matrix against the configured dimensions.
func (c *Checkpoint) Validate() error {
	if c.Version != checkpointVersion {
		return fmt.Errorf("version %d: %w", c.Version, ErrCheckpointVersion)
	}

	cfg := c.Config
	nv, nz := len(c.Vocabulary), cfg.Content+cfg.Style
	for _, m := range []struct {
		name       string
		m          Matrix
		rows, cols int
	}{
		{"embeddings", c.Embeddings, nv, cfg.EmbedDim},
		{"content_head", c.ContentHead, cfg.EmbedDim, 2 * cfg.Content},
		{"style_head", c.StyleHead, cfg.EmbedDim, 2 * cfg.Style},
		{"prior_in", c.PriorIn, cfg.Content, cfg.PriorHidden},
		{"prior_out", c.PriorOut, cfg.PriorHidden, 2 * cfg.Style},
		{"decoder_init", c.DecoderInit, nz, cfg.Hidden},
		{"decoder_input", c.DecoderInput, cfg.EmbedDim + nz, cfg.Hidden},
		{"decoder_hidden", c.DecoderHidden, cfg.Hidden, cfg.Hidden},
		{"decoder_output", c.DecoderOutput, cfg.Hidden, nv},
	} {
		if m.m.Rows != m.rows || m.m.Cols != m.cols || m.m.Len() != m.rows*m.cols {
			return fmt.Errorf("%s is %dx%d, want %dx%d: %w", m.name, m.m.Rows, m.m.Cols, m.rows, m.cols, latent.ErrShapeMismatch)
		}
	}
	return nil
}

// Parameters counts the weights in the checkpoint.
func (c *Checkpoint) Parameters() uint64 {
	var n uint64
	for _, m := range []Matrix{
		c.Embeddings, c.ContentHead, c.StyleHead, c.PriorIn, c.PriorOut,
		c.DecoderInit, c.DecoderInput, c.DecoderHidden, c.DecoderOutput,
	} {
		n += uint64(m.Len())
	}
	return n
}

// Half returns a copy of the checkpoint with every matrix stored in half
// precision.
func (c *Checkpoint) Half() *Checkpoint {
	h := *c
	for _, m := range []*Matrix{
		&h.Embeddings, &h.ContentHead, &h.StyleHead, &h.PriorIn, &h.PriorOut,
		&h.DecoderInit, &h.DecoderInput, &h.DecoderHidden, &h.DecoderOutput,
	} {
		*m = m.Half()
	}
	return &h
}

func Encode(w io.Writer, c *Checkpoint) error {
	return cbor.NewEncoder(w).Encode(c)
}

func Decode(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := cbor.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Save writes the checkpoint through a temporary file in the same directory.
func Save(path string, c *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := Encode(f, c); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
