package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Gorgonia convolves NCHW images. A (batch, steps, c) sequence is laid
// out as (batch, c, 1, steps) so the time axis is the image width.

func (b *builder) toChannels(x *gorgonia.Node) (*gorgonia.Node, error) {
	c := x.Shape()[2]
	t, err := gorgonia.Transpose(x, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(t, tensor.Shape{b.batch, c, 1, b.steps})
}

func (b *builder) fromChannels(x *gorgonia.Node) (*gorgonia.Node, error) {
	c := x.Shape()[1]
	r, err := gorgonia.Reshape(x, tensor.Shape{b.batch, c, b.steps})
	if err != nil {
		return nil, err
	}
	return gorgonia.Transpose(r, 0, 2, 1)
}

// padRight appends one zero timestep to a channels-layout node.
func (b *builder) padRight(scope string, x *gorgonia.Node) (*gorgonia.Node, error) {
	c := x.Shape()[1]
	zeros := tensor.New(tensor.WithShape(b.batch, c, 1, 1), tensor.Of(tensor.Float32))
	pad := gorgonia.NodeFromAny(b.g, zeros, gorgonia.WithName(scope+"/right_pad"))
	return gorgonia.Concat(3, x, pad)
}

// conv1d is a same-padded convolution of width over the time axis of a
// (batch, steps, c) sequence, returning (batch, steps, units). Even
// widths put the extra padding step on the right.
func (b *builder) conv1d(scope string, x *gorgonia.Node, width, units int) (*gorgonia.Node, error) {
	in := x.Shape()[2]
	kernel, err := b.weight(scope+"/kernel", tensor.Shape{units, in, 1, width}, gorgonia.GlorotU(1.0))
	if err != nil {
		return nil, err
	}
	img, err := b.toChannels(x)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	pad := width / 2
	if width%2 == 0 {
		if img, err = b.padRight(scope, img); err != nil {
			return nil, errors.Wrap(err, scope)
		}
		pad--
	}
	out, err := gorgonia.Conv2d(img, kernel, tensor.Shape{1, width}, []int{0, pad}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	return b.fromChannels(out)
}

// maxPool1d takes the maximum over windows of two consecutive timesteps
// with stride one. The final step is paired with a zero pad, which only
// preserves values because its input is non-negative (it follows a ReLU).
func (b *builder) maxPool1d(scope string, x *gorgonia.Node) (*gorgonia.Node, error) {
	img, err := b.toChannels(x)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	if img, err = b.padRight(scope, img); err != nil {
		return nil, errors.Wrap(err, scope)
	}
	out, err := gorgonia.MaxPool2D(img, tensor.Shape{1, 2}, []int{0, 0}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	return b.fromChannels(out)
}
