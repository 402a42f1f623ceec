package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// encoderBank runs the CBHG front half over the pre-net output:
//
//	conv bank (widths 1..K) -> concat -> bn -> relu
//	-> max pool (2, stride 1)
//	-> conv3 -> bn -> relu -> conv3 -> bn -> relu
//	-> + prenet
//
// Both projections normalise before the activation.
func (b *builder) encoderBank(prenet *gorgonia.Node) (*gorgonia.Node, error) {
	cfg := b.cfg
	branches := make([]*gorgonia.Node, 0, cfg.EncoderNumBanks)
	for k := 1; k <= cfg.EncoderNumBanks; k++ {
		out, err := b.conv1d(scoped("conv1d_banks/num", k), prenet, k, cfg.BankUnits)
		if err != nil {
			return nil, err
		}
		branches = append(branches, out)
	}
	enc := branches[0]
	if len(branches) > 1 {
		var err error
		if enc, err = gorgonia.Concat(2, branches...); err != nil {
			return nil, errors.Wrap(err, "conv1d_banks/concat")
		}
	}
	enc, err := b.normActivate("conv1d_banks/norm", enc)
	if err != nil {
		return nil, err
	}

	if enc, err = b.maxPool1d("max_pooling1d", enc); err != nil {
		return nil, err
	}

	if enc, err = b.conv1d("conv1d_1", enc, 3, cfg.ProjectionUnits); err != nil {
		return nil, err
	}
	if enc, err = b.normActivate("norm1", enc); err != nil {
		return nil, err
	}
	if enc, err = b.conv1d("conv1d_2", enc, 3, cfg.ProjectionUnits); err != nil {
		return nil, err
	}
	if enc, err = b.normActivate("norm2", enc); err != nil {
		return nil, err
	}

	if err := sameShape("residual add", enc, prenet); err != nil {
		return nil, err
	}
	out, err := gorgonia.Add(enc, prenet)
	if err != nil {
		return nil, errors.Wrap(err, "residual add")
	}
	return out, nil
}

func (b *builder) normActivate(scope string, x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := b.batchNorm(scope, x)
	if err != nil {
		return nil, err
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	return out, nil
}
