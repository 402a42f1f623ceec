package model

import (
	"github.com/pkg/errors"

	"textcbhg/internal/config"
)

// Predictor serves inference over a fixed parameter snapshot for
// batches of any size. It keeps one InferenceGraph per batch size it has
// seen. A Predictor is not safe for concurrent use.
type Predictor struct {
	cfg    *config.Config
	params *Params
	graphs map[int]*InferenceGraph
}

// NewPredictor copies params, so later training does not change its
// predictions.
func NewPredictor(cfg *config.Config, params *Params) *Predictor {
	return &Predictor{
		cfg:    cfg,
		params: params.Clone(),
		graphs: make(map[int]*InferenceGraph),
	}
}

// Predict returns logits and predicted category ids for ids.
func (p *Predictor) Predict(ids [][]int) (Output, error) {
	if len(ids) == 0 {
		return Output{}, errors.New("predict: empty batch")
	}
	ig, ok := p.graphs[len(ids)]
	if !ok {
		var err error
		if ig, err = BuildInference(p.cfg, p.params, len(ids)); err != nil {
			return Output{}, err
		}
		p.graphs[len(ids)] = ig
	}
	return ig.Run(ids)
}

// Close releases every cached graph.
func (p *Predictor) Close() error {
	var first error
	for size, ig := range p.graphs {
		if err := ig.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.graphs, size)
	}
	return first
}
