package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// prenet is the two-layer bottleneck in front of the encoder. Each
// layer is dense, ReLU, then dropout; dropout only exists in the
// training graph.
func (b *builder) prenet(x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	for i, units := range b.cfg.PrenetUnits {
		scope := scoped("prenet/dense", i+1)
		if x, err = b.dense(scope, x, units); err != nil {
			return nil, err
		}
		if x, err = gorgonia.Rectify(x); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		if x, err = b.dropout(x); err != nil {
			return nil, errors.Wrap(err, scope)
		}
	}
	return x, nil
}

func (b *builder) dropout(x *gorgonia.Node) (*gorgonia.Node, error) {
	if !b.training || b.cfg.DropoutRate == 0 {
		return x, nil
	}
	return gorgonia.Dropout(x, b.cfg.DropoutRate)
}
