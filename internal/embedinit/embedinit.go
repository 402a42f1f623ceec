// Package embedinit produces initial values for the embedding table.
package embedinit

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"textcbhg/internal/config"
	"textcbhg/internal/model"
	"textcbhg/internal/vocab"
)

// ErrWidthMismatch is returned when a pretrained encoder produces vectors
// whose width differs from hidden_units.
var ErrWidthMismatch = errors.New("embedding width mismatch")

// Encoder turns a piece of text into one fixed-width vector.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Initial returns the parameters the configured initializer seeds the
// graph with. For glorot it returns nil and the graph draws the table
// itself.
func Initial(ctx context.Context, cfg *config.Config, v *vocab.Vocabulary, logger zerolog.Logger) (*model.Params, error) {
	var (
		table *tensor.Dense
		err   error
	)
	switch cfg.EmbeddingInit {
	case config.InitGlorot, "":
		return nil, nil
	case config.InitHashed:
		table, err = Hashed(v, cfg.VocabSize, cfg.HiddenUnits)
	case config.InitPretrained:
		logger.Info().Str("model", cfg.PretrainedModel).Str("models_dir", cfg.ModelsDir).Msg("loading pretrained encoder (first run downloads it)")
		enc, lerr := LoadCybertron(cfg.ModelsDir, cfg.PretrainedModel)
		if lerr != nil {
			return nil, lerr
		}
		table, err = Pretrained(ctx, enc, v, cfg.VocabSize, cfg.HiddenUnits, logger)
	default:
		return nil, errors.Errorf("unknown embedding_init %q", cfg.EmbeddingInit)
	}
	if err != nil {
		return nil, err
	}
	p := model.NewParams()
	p.Set(model.EmbeddingTable, table, true)
	return p, nil
}

// Hashed builds a (rows, width) table in which every token's row is drawn
// from a generator seeded with the md5 of the token, so the same token
// always starts at the same point regardless of vocabulary order. Values
// are uniform in the Glorot range. The padding row and the rows past the
// end of v are zero.
func Hashed(v *vocab.Vocabulary, rows, width int) (*tensor.Dense, error) {
	if err := checkRows(v, rows); err != nil {
		return nil, err
	}
	limit := float32(math.Sqrt(6 / float64(rows+width)))
	data := make([]float32, rows*width)
	for id := 0; id < v.Len(); id++ {
		if id == vocab.PadID {
			continue
		}
		hash := md5.Sum([]byte(v.Name(id)))
		r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(hash[:8]))))
		row := data[id*width : (id+1)*width]
		for d := range row {
			row[d] = (r.Float32()*2 - 1) * limit
		}
	}
	return tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(data)), nil
}

// Pretrained builds a (rows, width) table by encoding every token of v
// with enc. The padding row and the rows past the end of v stay zero.
func Pretrained(ctx context.Context, enc Encoder, v *vocab.Vocabulary, rows, width int, logger zerolog.Logger) (*tensor.Dense, error) {
	if err := checkRows(v, rows); err != nil {
		return nil, err
	}
	data := make([]float32, rows*width)
	for id := 0; id < v.Len(); id++ {
		if id == vocab.PadID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := enc.Encode(ctx, v.Name(id))
		if err != nil {
			return nil, errors.Wrapf(err, "encode token %q", v.Name(id))
		}
		if len(vec) != width {
			return nil, errors.Wrapf(ErrWidthMismatch, "encoder returned %d values, hidden_units is %d", len(vec), width)
		}
		copy(data[id*width:], vec)
		if (id+1)%1000 == 0 {
			logger.Debug().Int("done", id+1).Int("total", v.Len()).Msg("encoding vocabulary")
		}
	}
	return tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(data)), nil
}

func checkRows(v *vocab.Vocabulary, rows int) error {
	if rows < v.Len() {
		return errors.Errorf("embedding table has %d rows but the vocabulary has %d entries", rows, v.Len())
	}
	return nil
}
