package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// head flattens the (batch, steps, c) encoding into one steps*c vector
// per example and projects it to num_categories logits. The flattened
// width is fixed by max_len, so inputs can never be shorter or longer.
func (b *builder) head(x *gorgonia.Node) (*gorgonia.Node, error) {
	steps, c := x.Shape()[1], x.Shape()[2]
	numClasses := b.cfg.NumCategories

	w, err := b.weight("dense/kernel", tensor.Shape{steps * c, numClasses}, gorgonia.GlorotU(1.0))
	if err != nil {
		return nil, err
	}
	bias, err := b.weight("dense/bias", tensor.Shape{1, numClasses}, gorgonia.Zeroes())
	if err != nil {
		return nil, err
	}

	flat, err := gorgonia.Reshape(x, tensor.Shape{b.batch, steps * c})
	if err != nil {
		return nil, errors.Wrap(err, "flatten")
	}
	logits, err := gorgonia.Mul(flat, w)
	if err != nil {
		return nil, errors.Wrap(err, "dense")
	}
	logits, err = gorgonia.BroadcastAdd(logits, bias, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "dense")
	}
	return logits, nil
}
