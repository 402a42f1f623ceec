// Package trainer drives the epoch and step loop around a training graph.
package trainer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"textcbhg/internal/checkpoint"
	"textcbhg/internal/config"
	"textcbhg/internal/dataset"
	"textcbhg/internal/metrics"
	"textcbhg/internal/model"
	"textcbhg/internal/vocab"
)

// Options configure a Controller.
type Options struct {
	Config   *config.Config
	Provider dataset.Provider
	// Eval batches are scored after every epoch when non-empty.
	Eval  []dataset.Batch
	Store *checkpoint.Store
	// Monitor defaults to a LogMonitor on Logger.
	Monitor Monitor
	Logger  zerolog.Logger
	// Params seeds the graph, e.g. with a pretrained embedding table.
	Params *model.Params
	// Vocab and Categories are only used to make monitor samples
	// readable; ids are printed when they are nil.
	Vocab      *vocab.Vocabulary
	Categories *vocab.Categories
}

// Summary describes what a call to Run did.
type Summary struct {
	RunID       string
	Epochs      int
	GlobalStep  int64
	Checkpoints []string
	LastLoss    float64
	// Stopped is set when the context was cancelled before the last
	// epoch finished.
	Stopped bool
}

// Controller owns the training graph, the global step and the epoch
// counter.
type Controller struct {
	cfg      *config.Config
	provider dataset.Provider
	eval     []dataset.Batch
	store    *checkpoint.Store
	monitor  Monitor
	logger   zerolog.Logger
	vocab    *vocab.Vocabulary
	cats     *vocab.Categories

	graph      *model.TrainingGraph
	runID      string
	epoch      int
	globalStep int64
}

// New builds the training graph. Shape errors in the configuration are
// returned here, before any step runs.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("trainer: config is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("trainer: batch provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("trainer: checkpoint store is required")
	}
	c := &Controller{
		cfg:      opts.Config,
		provider: opts.Provider,
		eval:     opts.Eval,
		store:    opts.Store,
		monitor:  opts.Monitor,
		logger:   opts.Logger,
		vocab:    opts.Vocab,
		cats:     opts.Categories,
		runID:    uuid.NewString(),
	}
	c.logger = c.logger.With().Str("run_id", c.runID).Logger()
	if c.monitor == nil {
		c.monitor = LogMonitor{Logger: c.logger}
	}

	g, err := model.BuildTraining(c.cfg, opts.Params)
	if err != nil {
		return nil, err
	}
	c.graph = g
	c.logger.Info().
		Int("trainable_tensors", len(g.Learnables())).
		Int("trainable_weights", g.Params().NumTrainable()).
		Int("batches_per_epoch", c.provider.BatchesPerEpoch()).
		Msg("training graph built")
	return c, nil
}

// Restore replaces the parameters, global step and epoch counter with
// those saved under tag. Training resumes at the following epoch.
func (c *Controller) Restore(tag string) error {
	st, err := c.store.Restore(tag)
	if err != nil {
		return err
	}
	g, err := model.BuildTraining(c.cfg, st.Params)
	if err != nil {
		return errors.Wrapf(err, "restore %s", tag)
	}
	if err := c.graph.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("close previous graph")
	}
	c.graph = g
	c.epoch = st.Epoch
	c.globalStep = st.GlobalStep
	c.logger.Info().Str("tag", tag).Int("epoch", c.epoch).Int64("global_step", c.globalStep).Msg("restored checkpoint")
	return nil
}

// RestoreLatest restores the most recent checkpoint and returns its tag.
// It returns an error wrapping checkpoint.ErrNotFound when there is none.
func (c *Controller) RestoreLatest() (string, error) {
	tag, err := c.store.Latest()
	if err != nil {
		return "", err
	}
	return tag, c.Restore(tag)
}

// GlobalStep returns the number of optimizer updates applied so far,
// including those restored from a checkpoint.
func (c *Controller) GlobalStep() int64 { return c.globalStep }

// Epoch returns the last completed epoch.
func (c *Controller) Epoch() int { return c.epoch }

// Predictor returns an inference model over the current parameters.
func (c *Controller) Predictor() *model.Predictor {
	return model.NewPredictor(c.cfg, c.graph.Params())
}

// Close releases the training graph.
func (c *Controller) Close() error {
	return c.graph.Close()
}

// Tag returns the checkpoint tag for the end of epoch at globalStep.
func Tag(epoch int, globalStep int64) string {
	return fmt.Sprintf("model_epoch_%02d_gs_%d", epoch, globalStep)
}

// Run trains from the epoch after the last completed one up to
// num_epochs, saving a checkpoint at the end of each. Cancelling ctx stops
// the loop at the next step or epoch boundary; that is reported through
// Summary.Stopped, not as an error. A failed step aborts the run.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: c.runID, GlobalStep: c.globalStep}
	steps := c.provider.BatchesPerEpoch()
	if steps <= 0 {
		return sum, errors.Errorf("trainer: provider has %d batches per epoch", steps)
	}
	logEvery := c.cfg.LogEvery
	if logEvery <= 0 {
		logEvery = 100
	}
	monitorEvery := c.cfg.MonitorEvery
	if monitorEvery <= 0 {
		monitorEvery = 1000
	}

	var window metrics.Window
	for epoch := c.epoch + 1; epoch <= c.cfg.NumEpochs; epoch++ {
		if ctx.Err() != nil {
			sum.Stopped = true
			break
		}
		start := time.Now()
		for step := 0; step < steps; step++ {
			if ctx.Err() != nil {
				sum.Stopped = true
				break
			}

			startData := time.Now()
			batch, err := c.provider.NextBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					sum.Stopped = true
					break
				}
				return sum, errors.Wrapf(err, "epoch %d step %d: next batch", epoch, step)
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			out, err := c.graph.Step(batch)
			if err != nil {
				return sum, errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			computeTime := time.Since(startCompute)
			c.globalStep++
			sum.GlobalStep = c.globalStep
			sum.LastLoss = float64(out.Loss)

			window.Record(batch.Size(), metrics.Correct(out.Preds, batch.Labels), dataTime, computeTime, float64(out.Loss))
			if step%monitorEvery == 0 {
				c.monitor.Observe(c.sample(epoch, step, batch, out))
			}
			if c.globalStep%int64(logEvery) == 0 {
				snap := window.Snapshot()
				c.logger.Info().
					Int64("global_step", c.globalStep).
					Float64("loss", snap.MeanLoss).
					Float64("accuracy", snap.Accuracy).
					Float64("examples_per_sec", snap.ExamplesPerSec).
					Float64("data_ms", snap.AvgDataMS).
					Float64("compute_ms", snap.AvgComputeMS).
					Msg("train")
			}
		}
		if sum.Stopped {
			break
		}

		c.epoch = epoch
		sum.Epochs++
		tag := Tag(epoch, c.globalStep)
		err := c.store.Save(tag, checkpoint.State{
			RunID:      c.runID,
			Epoch:      epoch,
			GlobalStep: c.globalStep,
			Params:     c.graph.Params(),
		})
		if err != nil {
			return sum, errors.Wrapf(err, "epoch %d", epoch)
		}
		sum.Checkpoints = append(sum.Checkpoints, tag)
		c.logger.Info().
			Int("epoch", epoch).
			Int64("global_step", c.globalStep).
			Str("tag", tag).
			Dur("elapsed", time.Since(start)).
			Msg("epoch done")

		if len(c.eval) > 0 {
			if err := c.evaluate(epoch); err != nil {
				return sum, err
			}
		}
	}
	if sum.Stopped {
		c.logger.Info().Int64("global_step", c.globalStep).Msg("stop requested")
	}
	return sum, nil
}

func (c *Controller) evaluate(epoch int) error {
	p := c.Predictor()
	defer p.Close()
	var ev metrics.Eval
	for _, b := range c.eval {
		out, err := p.Predict(b.IDs)
		if err != nil {
			return errors.Wrapf(err, "evaluate epoch %d", epoch)
		}
		ev.Add(out.Logits, b.Labels)
	}
	c.logger.Info().
		Int("epoch", epoch).
		Int("examples", ev.Count()).
		Float64("loss", ev.Loss()).
		Float64("accuracy", ev.Accuracy()).
		Msg("eval")
	return nil
}

func (c *Controller) sample(epoch, step int, batch dataset.Batch, out model.Output) Sample {
	s := Sample{Epoch: epoch, Step: step, GlobalStep: c.globalStep}
	if batch.Size() == 0 || len(out.Preds) == 0 {
		return s
	}
	s.Input = c.decode(batch.IDs[0])
	s.Label = c.category(batch.Labels[0])
	s.Pred = c.category(out.Preds[0])
	return s
}

func (c *Controller) decode(ids []int) string {
	if c.vocab != nil {
		return c.vocab.Decode(ids)
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}

func (c *Controller) category(id int) string {
	if c.cats != nil {
		if name := c.cats.Name(id); name != "" {
			return name
		}
	}
	return strconv.Itoa(id)
}
