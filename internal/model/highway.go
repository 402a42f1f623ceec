package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// highwayGateBias starts every gate mostly closed so early training
// carries the input through.
const highwayGateBias = -1.0

// highway applies num_highway_blocks gated blocks, each
//
//	H = relu(x*Wh + bh)
//	T = sigmoid(x*Wt + bt)
//	y = T*H + (1-T)*x
//
// The width never changes.
func (b *builder) highway(x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	for i := 0; i < b.cfg.NumHighwayBlocks; i++ {
		if x, err = b.highwayBlock(scoped("highwaynet", i), x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (b *builder) highwayBlock(scope string, x *gorgonia.Node) (*gorgonia.Node, error) {
	units := x.Shape()[2]
	h, err := b.dense(scope+"/dense1", x, units)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrap(err, scope)
	}

	t, err := b.denseInit(scope+"/dense2", x, units, gorgonia.ValuesOf(float32(highwayGateBias)))
	if err != nil {
		return nil, err
	}
	if t, err = gorgonia.Sigmoid(t); err != nil {
		return nil, errors.Wrap(err, scope)
	}

	carry, err := gorgonia.Sub(b.scalar(scope+"/one", 1), t)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	transformed, err := gorgonia.HadamardProd(t, h)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	carried, err := gorgonia.HadamardProd(carry, x)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	out, err := gorgonia.Add(transformed, carried)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	return out, nil
}
