package model

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"textcbhg/internal/config"
)

// builder creates parameter nodes for one expression graph. Values
// found in values are reused; anything missing is freshly initialised.
// Every node it creates is recorded so the caller can hand the trainable
// ones to the solver.
type builder struct {
	g        *gorgonia.ExprGraph
	cfg      *config.Config
	training bool
	batch    int
	steps    int

	values     *Params
	learnables []*gorgonia.Node
	norms      []*batchNorm
}

func newBuilder(cfg *config.Config, values *Params, batch int, training bool) *builder {
	return &builder{
		g:        gorgonia.NewGraph(),
		cfg:      cfg,
		training: training,
		batch:    batch,
		steps:    cfg.MaxLen,
		values:   values,
	}
}

// weight returns a trainable node called name.
func (b *builder) weight(name string, shape tensor.Shape, initFn gorgonia.InitWFn) (*gorgonia.Node, error) {
	opts := []gorgonia.NodeConsOpt{gorgonia.WithShape(shape...), gorgonia.WithName(name)}
	if v, ok := b.values.Get(name); ok {
		if !v.Shape().Eq(shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "parameter %s: stored %v, graph wants %v", name, v.Shape(), shape)
		}
		opts = append(opts, gorgonia.WithValue(v.Clone().(tensor.Tensor)))
	} else {
		opts = append(opts, gorgonia.WithInit(initFn))
	}
	n := gorgonia.NewTensor(b.g, tensor.Float32, len(shape), opts...)
	b.learnables = append(b.learnables, n)
	return n, nil
}

// statistic returns a (1, width) non-trainable value, filled with fill
// when values does not carry it.
func (b *builder) statistic(name string, width int, fill float32) (*tensor.Dense, error) {
	if v, ok := b.values.Get(name); ok {
		if !v.Shape().Eq(tensor.Shape{1, width}) {
			return nil, errors.Wrapf(ErrShapeMismatch, "statistic %s: stored %v, want (1, %d)", name, v.Shape(), width)
		}
		return v.Clone().(*tensor.Dense), nil
	}
	backing := make([]float32, width)
	for i := range backing {
		backing[i] = fill
	}
	return tensor.New(tensor.WithShape(1, width), tensor.WithBacking(backing)), nil
}

// scalar adds a float32 constant to the graph.
func (b *builder) scalar(name string, v float64) *gorgonia.Node {
	return gorgonia.NodeFromAny(b.g, float32(v), gorgonia.WithName(name))
}

// rows flattens a (batch, steps, c) sequence into (batch*steps, c).
func (b *builder) rows(x *gorgonia.Node) (*gorgonia.Node, error) {
	c := x.Shape()[2]
	return gorgonia.Reshape(x, tensor.Shape{b.batch * b.steps, c})
}

// sequence restores the (batch, steps, c) layout from rows.
func (b *builder) sequence(x *gorgonia.Node) (*gorgonia.Node, error) {
	c := x.Shape()[1]
	return gorgonia.Reshape(x, tensor.Shape{b.batch, b.steps, c})
}

// dense applies x*W + b to every timestep of a (batch, steps, in)
// sequence.
func (b *builder) dense(scope string, x *gorgonia.Node, units int) (*gorgonia.Node, error) {
	return b.denseInit(scope, x, units, gorgonia.Zeroes())
}

func (b *builder) denseInit(scope string, x *gorgonia.Node, units int, biasInit gorgonia.InitWFn) (*gorgonia.Node, error) {
	in := x.Shape()[2]
	w, err := b.weight(scope+"/kernel", tensor.Shape{in, units}, gorgonia.GlorotU(1.0))
	if err != nil {
		return nil, err
	}
	bias, err := b.weight(scope+"/bias", tensor.Shape{1, units}, biasInit)
	if err != nil {
		return nil, err
	}
	flat, err := b.rows(x)
	if err != nil {
		return nil, err
	}
	proj, err := gorgonia.Mul(flat, w)
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	proj, err = gorgonia.BroadcastAdd(proj, bias, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, scope)
	}
	return b.sequence(proj)
}

// sameShape fails with ErrShapeMismatch unless a and b agree exactly.
func sameShape(what string, a, b *gorgonia.Node) error {
	if !a.Shape().Eq(b.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "%s: %v vs %v", what, a.Shape(), b.Shape())
	}
	return nil
}

func scoped(scope string, i int) string {
	return fmt.Sprintf("%s_%d", scope, i)
}
