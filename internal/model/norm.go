package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	movingMeanSuffix = "/moving_mean"
	movingVarSuffix  = "/moving_variance"
)

// batchNorm tracks one normalisation layer. In the training graph it
// normalises with batch statistics and exposes them through batchMean
// and batchVar after every run; fold merges them into the moving
// statistics the inference graph normalises with.
type batchNorm struct {
	scope      string
	movingMean *tensor.Dense
	movingVar  *tensor.Dense
	batchMean  gorgonia.Value
	batchVar   gorgonia.Value
}

// batchNorm normalises each feature of a (batch, steps, c) sequence over
// the batch and time axes, then applies the learned scale and shift.
func (b *builder) batchNorm(scope string, x *gorgonia.Node) (*gorgonia.Node, error) {
	c := x.Shape()[2]
	gamma, err := b.weight(scope+"/gamma", tensor.Shape{1, c}, gorgonia.Ones())
	if err != nil {
		return nil, err
	}
	beta, err := b.weight(scope+"/beta", tensor.Shape{1, c}, gorgonia.Zeroes())
	if err != nil {
		return nil, err
	}
	bn := &batchNorm{scope: scope}
	if bn.movingMean, err = b.statistic(scope+movingMeanSuffix, c, 0); err != nil {
		return nil, err
	}
	if bn.movingVar, err = b.statistic(scope+movingVarSuffix, c, 1); err != nil {
		return nil, err
	}
	b.norms = append(b.norms, bn)

	flat, err := b.rows(x)
	if err != nil {
		return nil, err
	}

	var mean, variance, centered *gorgonia.Node
	if b.training {
		if mean, err = gorgonia.Mean(flat, 0); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		if mean, err = gorgonia.Reshape(mean, tensor.Shape{1, c}); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		if centered, err = gorgonia.BroadcastSub(flat, mean, nil, []byte{0}); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		sq, err := gorgonia.Square(centered)
		if err != nil {
			return nil, errors.Wrap(err, scope)
		}
		if variance, err = gorgonia.Mean(sq, 0); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		if variance, err = gorgonia.Reshape(variance, tensor.Shape{1, c}); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		gorgonia.Read(mean, &bn.batchMean)
		gorgonia.Read(variance, &bn.batchVar)
	} else {
		mean = gorgonia.NodeFromAny(b.g, bn.movingMean.Clone().(*tensor.Dense), gorgonia.WithName(scope+movingMeanSuffix))
		variance = gorgonia.NodeFromAny(b.g, bn.movingVar.Clone().(*tensor.Dense), gorgonia.WithName(scope+movingVarSuffix))
		if centered, err = gorgonia.BroadcastSub(flat, mean, nil, []byte{0}); err != nil {
			return nil, errors.Wrap(err, scope)
		}
	}

	std, err := gorgonia.Add(variance, b.scalar(scope+"/epsilon", b.cfg.BNEpsilon))
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	if std, err = gorgonia.Sqrt(std); err != nil {
		return nil, errors.Wrap(err, scope)
	}
	out, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	if out, err = gorgonia.BroadcastHadamardProd(out, gamma, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, scope)
	}
	if out, err = gorgonia.BroadcastAdd(out, beta, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, scope)
	}
	return b.sequence(out)
}

// fold moves the moving statistics towards the last batch statistics.
func (bn *batchNorm) fold(momentum float64) error {
	if bn.batchMean == nil || bn.batchVar == nil {
		return errors.Errorf("%s: batch statistics were not computed", bn.scope)
	}
	pairs := []struct {
		moving *tensor.Dense
		batch  gorgonia.Value
	}{
		{bn.movingMean, bn.batchMean},
		{bn.movingVar, bn.batchVar},
	}
	m := float32(momentum)
	for _, p := range pairs {
		dst, ok := p.moving.Data().([]float32)
		if !ok {
			return errors.Errorf("%s: moving statistic is not float32", bn.scope)
		}
		src, ok := p.batch.Data().([]float32)
		if !ok || len(src) != len(dst) {
			return errors.Errorf("%s: batch statistic has unexpected layout", bn.scope)
		}
		for i := range dst {
			dst[i] = m*dst[i] + (1-m)*src[i]
		}
	}
	return nil
}
