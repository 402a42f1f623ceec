// Package metrics aggregates training and evaluation numbers for logging.
package metrics

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	losses  []float64
	correct int
}

// Record adds one step: batchSize examples, of which correct were
// predicted right, with the given loss.
func (w *Window) Record(batchSize, correct int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.losses = append(w.losses, loss)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if steps := len(w.losses); steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(steps)
		snap.MeanLoss = floats.Sum(w.losses) / float64(steps)
		snap.LastLoss = w.losses[steps-1]
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}

	w.samples = 0
	w.correct = 0
	w.data = 0
	w.compute = 0
	w.losses = w.losses[:0]
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	MeanLoss       float64
	LastLoss       float64
	Accuracy       float64
}

// Correct counts positions where preds and labels agree.
func Correct(preds, labels []int) int {
	n := 0
	for i := range preds {
		if i < len(labels) && preds[i] == labels[i] {
			n++
		}
	}
	return n
}

// Eval accumulates loss and accuracy over an evaluation pass.
type Eval struct {
	n       int
	correct int
	loss    float64
}

// Add scores one batch of logits against labels. The loss of an example
// is log(sum(exp(logits))) - logits[label].
func (e *Eval) Add(logits [][]float32, labels []int) {
	row := make([]float64, 0, 8)
	for i, l := range logits {
		if i >= len(labels) {
			break
		}
		row = row[:0]
		best := 0
		for j, v := range l {
			row = append(row, float64(v))
			if v > l[best] {
				best = j
			}
		}
		label := labels[i]
		if label < 0 || label >= len(row) {
			continue
		}
		e.loss += floats.LogSumExp(row) - row[label]
		if best == label {
			e.correct++
		}
		e.n++
	}
}

// Count returns the number of scored examples.
func (e *Eval) Count() int { return e.n }

// Loss returns the mean cross-entropy.
func (e *Eval) Loss() float64 {
	if e.n == 0 {
		return 0
	}
	return e.loss / float64(e.n)
}

// Accuracy returns the fraction of examples whose argmax matched.
func (e *Eval) Accuracy() float64 {
	if e.n == 0 {
		return 0
	}
	return float64(e.correct) / float64(e.n)
}
