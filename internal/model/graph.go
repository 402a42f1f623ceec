// Package model builds the CBHG text classifier as a gorgonia expression
// graph, in a training form (dropout, batch statistics, loss and Adam)
// and an inference form (moving statistics, logits only).
package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"textcbhg/internal/config"
	"textcbhg/internal/dataset"
)

// Keys of Output.Stages.
const (
	StageEmbedding = "embedding"
	StagePrenet    = "prenet"
	StageEncoder   = "encoder"
	StageHighway   = "highway"
)

// StageValue is a traced intermediate output.
type StageValue struct {
	Shape []int
	Data  []float32
}

// Output is the result of running a graph on one batch.
type Output struct {
	// Loss is the mean cross-entropy. Only training graphs set it.
	Loss   float32
	Logits [][]float32
	Preds  []int
	// Stages holds intermediate outputs when the graph was built
	// WithTrace.
	Stages map[string]StageValue
}

type options struct {
	trace bool
}

// Option configures graph construction.
type Option func(*options)

// WithTrace records the embedding, pre-net, encoder and highway outputs
// of every run in Output.Stages.
func WithTrace() Option {
	return func(o *options) { o.trace = true }
}

// network is the shared encoder and head. Training and inference graphs
// differ only in the builder mode and what they attach to the logits.
type network struct {
	*builder
	x      *gorgonia.Node
	logits *gorgonia.Node
	stages map[string]*gorgonia.Node
	traced map[string]*gorgonia.Value
}

func checkWidths(cfg *config.Config) error {
	if len(cfg.PrenetUnits) == 0 {
		return errors.New("prenet_units is empty")
	}
	if last := cfg.PrenetUnits[len(cfg.PrenetUnits)-1]; last != cfg.ResidualUnits() {
		return errors.Wrapf(ErrShapeMismatch, "residual add: prenet width %d != projection width %d", last, cfg.ResidualUnits())
	}
	return nil
}

func buildNetwork(cfg *config.Config, values *Params, batch int, training bool, opts []Option) (*network, error) {
	if batch <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (got %d)", batch)
	}
	if err := checkWidths(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := newBuilder(cfg, values, batch, training)
	n := &network{builder: b, stages: make(map[string]*gorgonia.Node)}
	n.x = gorgonia.NewMatrix(b.g, tensor.Float32, gorgonia.WithShape(batch*cfg.MaxLen, cfg.VocabSize), gorgonia.WithName("x"))

	emb, err := b.embed(n.x)
	if err != nil {
		return nil, err
	}
	n.stages[StageEmbedding] = emb
	pre, err := b.prenet(emb)
	if err != nil {
		return nil, err
	}
	n.stages[StagePrenet] = pre
	enc, err := b.encoderBank(pre)
	if err != nil {
		return nil, err
	}
	n.stages[StageEncoder] = enc
	hw, err := b.highway(enc)
	if err != nil {
		return nil, err
	}
	n.stages[StageHighway] = hw
	if n.logits, err = b.head(hw); err != nil {
		return nil, err
	}

	if o.trace {
		n.traced = make(map[string]*gorgonia.Value, len(n.stages))
		for name, node := range n.stages {
			v := new(gorgonia.Value)
			gorgonia.Read(node, v)
			n.traced[name] = v
		}
	}
	return n, nil
}

func (n *network) bindInputs(ids [][]int) error {
	if len(ids) != n.batch {
		return errors.Errorf("graph was built for batches of %d, got %d", n.batch, len(ids))
	}
	x, err := EncodeIDs(ids, n.cfg.MaxLen, n.cfg.VocabSize)
	if err != nil {
		return err
	}
	return gorgonia.Let(n.x, x)
}

func (n *network) collect(out *Output) {
	if n.traced == nil {
		return
	}
	out.Stages = make(map[string]StageValue, len(n.traced))
	for name, v := range n.traced {
		if *v == nil {
			continue
		}
		data, ok := (*v).Data().([]float32)
		if !ok {
			continue
		}
		out.Stages[name] = StageValue{
			Shape: append([]int(nil), (*v).Shape()...),
			Data:  append([]float32(nil), data...),
		}
	}
}

// snapshot copies every trainable value and moving statistic.
func (n *network) snapshot() *Params {
	p := NewParams()
	for _, node := range n.learnables {
		p.Set(node.Name(), node.Value().(tensor.Tensor).Clone().(tensor.Tensor), true)
	}
	for _, bn := range n.norms {
		p.Set(bn.scope+movingMeanSuffix, bn.movingMean.Clone().(*tensor.Dense), false)
		p.Set(bn.scope+movingVarSuffix, bn.movingVar.Clone().(*tensor.Dense), false)
	}
	return p
}

func readLogits(v gorgonia.Value, numClasses int) ([][]float32, error) {
	if v == nil {
		return nil, errors.New("logits were not computed")
	}
	flat, ok := v.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected logits type %T", v.Data())
	}
	return splitRows(flat, numClasses), nil
}

// TrainingGraph is the graph built in training mode: dropout active,
// batch statistics in the normalisation layers, and a cross-entropy loss
// differentiated with respect to every trainable parameter.
type TrainingGraph struct {
	cfg *config.Config
	net *network

	y         *gorgonia.Node
	loss      *gorgonia.Node
	lossVal   gorgonia.Value
	logitsVal gorgonia.Value

	machine gorgonia.VM
	solver  gorgonia.Solver
}

// BuildTraining constructs the training graph for batches of
// cfg.BatchSize. Values present in initial seed the parameters (for example a
// restored checkpoint or a pretrained embedding table); the rest are
// initialised randomly. Width errors surface here, before any step.
func BuildTraining(cfg *config.Config, initial *Params, opts ...Option) (*TrainingGraph, error) {
	net, err := buildNetwork(cfg, initial, cfg.BatchSize, true, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build training graph")
	}
	tg := &TrainingGraph{cfg: cfg, net: net}
	tg.y = gorgonia.NewMatrix(net.g, tensor.Float32, gorgonia.WithShape(cfg.BatchSize, cfg.NumCategories), gorgonia.WithName("y"))
	if tg.loss, err = crossEntropy(net.logits, tg.y); err != nil {
		return nil, errors.Wrap(err, "build loss")
	}
	gorgonia.Read(tg.loss, &tg.lossVal)
	gorgonia.Read(net.logits, &tg.logitsVal)

	if _, err := gorgonia.Grad(tg.loss, net.learnables...); err != nil {
		return nil, errors.Wrap(err, "differentiate loss")
	}
	tg.solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LearningRate))
	tg.machine = gorgonia.NewTapeMachine(net.g, gorgonia.BindDualValues(net.learnables...))
	return tg, nil
}

// crossEntropy is the mean over the batch of -log softmax(logits)[label],
// with labels given one-hot.
func crossEntropy(logits, onehot *gorgonia.Node) (*gorgonia.Node, error) {
	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return nil, err
	}
	logp, err := gorgonia.Log(probs)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(logp, onehot)
	if err != nil {
		return nil, err
	}
	perExample, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(perExample)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// Evaluate runs the forward pass on batch without changing any state.
func (tg *TrainingGraph) Evaluate(batch dataset.Batch) (Output, error) {
	return tg.run(batch, false)
}

// Step runs the forward pass, applies one Adam update to every trainable
// parameter and folds the batch statistics into the moving statistics.
// The returned loss and logits were computed before the update. If Step
// fails the run must not continue: the solver may have applied part of
// the update.
func (tg *TrainingGraph) Step(batch dataset.Batch) (Output, error) {
	return tg.run(batch, true)
}

func (tg *TrainingGraph) run(batch dataset.Batch, update bool) (Output, error) {
	if len(batch.Labels) != len(batch.IDs) {
		return Output{}, errors.Errorf("batch has %d sequences but %d labels", len(batch.IDs), len(batch.Labels))
	}
	if err := tg.net.bindInputs(batch.IDs); err != nil {
		return Output{}, err
	}
	y, err := EncodeLabels(batch.Labels, tg.cfg.NumCategories)
	if err != nil {
		return Output{}, err
	}
	if err := gorgonia.Let(tg.y, y); err != nil {
		return Output{}, errors.Wrap(err, "bind labels")
	}

	defer tg.machine.Reset()
	if err := tg.machine.RunAll(); err != nil {
		return Output{}, errors.Wrap(err, "forward")
	}

	var out Output
	loss, ok := tg.lossVal.Data().(float32)
	if !ok {
		return Output{}, errors.Errorf("unexpected loss type %T", tg.lossVal.Data())
	}
	out.Loss = loss
	if out.Logits, err = readLogits(tg.logitsVal, tg.cfg.NumCategories); err != nil {
		return Output{}, err
	}
	out.Preds = argmax(out.Logits)
	tg.net.collect(&out)

	if !update {
		return out, nil
	}
	if err := tg.solver.Step(gorgonia.NodesToValueGrads(tg.net.learnables)); err != nil {
		return Output{}, errors.Wrap(err, "optimizer step")
	}
	for _, bn := range tg.net.norms {
		if err := bn.fold(tg.cfg.BNMomentum); err != nil {
			return Output{}, err
		}
	}
	return out, nil
}

// Params returns a copy of the current parameters and moving statistics.
func (tg *TrainingGraph) Params() *Params {
	return tg.net.snapshot()
}

// Learnables returns the trainable nodes in construction order.
func (tg *TrainingGraph) Learnables() []*gorgonia.Node {
	return append([]*gorgonia.Node(nil), tg.net.learnables...)
}

// Close releases the tape machine.
func (tg *TrainingGraph) Close() error {
	return tg.machine.Close()
}

// InferenceGraph is the graph built in inference mode for one batch
// size: no dropout, moving statistics in the normalisation layers, no
// loss and no optimizer.
type InferenceGraph struct {
	cfg       *config.Config
	net       *network
	logitsVal gorgonia.Value
	machine   gorgonia.VM
}

// BuildInference constructs an inference graph over params for batches of
// exactly batch sequences.
func BuildInference(cfg *config.Config, params *Params, batch int, opts ...Option) (*InferenceGraph, error) {
	net, err := buildNetwork(cfg, params, batch, false, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build inference graph")
	}
	ig := &InferenceGraph{cfg: cfg, net: net}
	gorgonia.Read(net.logits, &ig.logitsVal)
	ig.machine = gorgonia.NewTapeMachine(net.g)
	return ig, nil
}

// Params returns a copy of the parameters the graph runs with.
func (ig *InferenceGraph) Params() *Params {
	return ig.net.snapshot()
}

// Run computes logits and predictions for ids.
func (ig *InferenceGraph) Run(ids [][]int) (Output, error) {
	if err := ig.net.bindInputs(ids); err != nil {
		return Output{}, err
	}
	defer ig.machine.Reset()
	if err := ig.machine.RunAll(); err != nil {
		return Output{}, errors.Wrap(err, "forward")
	}
	var out Output
	var err error
	if out.Logits, err = readLogits(ig.logitsVal, ig.cfg.NumCategories); err != nil {
		return Output{}, err
	}
	out.Preds = argmax(out.Logits)
	ig.net.collect(&out)
	return out, nil
}

// Close releases the tape machine.
func (ig *InferenceGraph) Close() error {
	return ig.machine.Close()
}
