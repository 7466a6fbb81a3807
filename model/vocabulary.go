package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	BOSToken = "<s>"
	EOSToken = "</s>"
	UNKToken = "<unk>"
)

var ErrUnknownToken = errors.New("unknown token")

type Vocabulary struct {
	Values []string

	BOS, EOS int32
	// UNK is -1 when the vocabulary has no unknown token.
	UNK int32

	valuesOnce sync.Once
	values     map[string]int32
}

// NewVocabulary indexes values. The begin and end tokens are required.
func NewVocabulary(values []string) (*Vocabulary, error) {
	v := &Vocabulary{Values: values}
	v.BOS, v.EOS, v.UNK = v.Encode(BOSToken), v.Encode(EOSToken), v.Encode(UNKToken)
	if v.BOS < 0 || v.EOS < 0 {
		return nil, fmt.Errorf("vocabulary must contain %s and %s: %w", BOSToken, EOSToken, ErrUnknownToken)
	}
	return v, nil
}

// LoadVocabulary reads one token per line. Blank lines are skipped.
func LoadVocabulary(r io.Reader) (*Vocabulary, error) {
	var values []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		value := strings.TrimSpace(scanner.Text())
		if value == "" {
			continue
		}
		if seen[value] {
			slog.Warn("duplicate vocabulary entry", "value", value)
			continue
		}
		seen[value] = true
		values = append(values, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewVocabulary(values)
}

// BuildVocabulary collects the whitespace separated words of r in first
// seen order after the special tokens.
func BuildVocabulary(r io.Reader) (*Vocabulary, error) {
	values := []string{BOSToken, EOSToken, UNKToken}
	seen := map[string]bool{BOSToken: true, EOSToken: true, UNKToken: true}

	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		if word := scanner.Text(); !seen[word] {
			seen[word] = true
			values = append(values, word)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewVocabulary(values)
}

func (v *Vocabulary) Size() int {
	return len(v.Values)
}

func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return UNKToken
	}
	return v.Values[id]
}

func (v *Vocabulary) DecodeAll(ids []int32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = v.Decode(id)
	}
	return out
}

// Tokenize splits text on whitespace and wraps the ids in the begin and end
// tokens. Words outside the vocabulary map to the unknown token if there is
// one.
func (v *Vocabulary) Tokenize(text string) ([]int32, error) {
	words := strings.Fields(text)

	ids := make([]int32, 0, len(words)+2)
	ids = append(ids, v.BOS)
	for _, word := range words {
		id := v.Encode(word)
		if id < 0 {
			if v.UNK < 0 {
				return nil, fmt.Errorf("%q: %w", word, ErrUnknownToken)
			}
			id = v.UNK
		}
		ids = append(ids, id)
	}
	return append(ids, v.EOS), nil
}

// Detokenize joins ids with spaces, dropping the begin and end tokens.
func (v *Vocabulary) Detokenize(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == v.BOS || id == v.EOS {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.Decode(id))
	}
	return sb.String()
}
