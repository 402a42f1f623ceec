package embedinit

import (
	"context"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/nlpodyssey/spago/mat"
	"github.com/pkg/errors"
)

// DefaultModel is used when pretrained_model is empty.
const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// clsPooling selects the first-token vector.
const clsPooling = 0

// Cybertron encodes text with a cybertron text-encoding model.
type Cybertron struct {
	model textencoding.Interface
}

// LoadCybertron loads modelName from modelsDir, downloading it on first use.
func LoadCybertron(modelsDir, modelName string) (*Cybertron, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: modelsDir,
		ModelName: modelName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load model %s", modelName)
	}
	return &Cybertron{model: m}, nil
}

func (c *Cybertron) Encode(ctx context.Context, text string) ([]float32, error) {
	result, err := c.model.Encode(ctx, text, clsPooling)
	if err != nil {
		return nil, err
	}
	return toFloat32(result.Vector), nil
}

func toFloat32(m mat.Matrix) []float32 {
	data := m.Data().F64()
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}
