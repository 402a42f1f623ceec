package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// EncodeIDs one-hot encodes a batch of id sequences into a
// (batch*steps, vocabSize) matrix, the input of the embedding lookup.
// Every sequence must hold exactly steps ids in [0, vocabSize).
func EncodeIDs(ids [][]int, steps, vocabSize int) (*tensor.Dense, error) {
	if len(ids) == 0 {
		return nil, errors.New("empty batch")
	}
	backing := make([]float32, len(ids)*steps*vocabSize)
	for b, seq := range ids {
		if len(seq) != steps {
			return nil, errors.Wrapf(ErrSequenceLength, "example %d has %d ids, want %d", b, len(seq), steps)
		}
		for t, id := range seq {
			if id < 0 || id >= vocabSize {
				return nil, errors.Wrapf(ErrTokenOutOfRange, "example %d step %d: id %d not in [0, %d)", b, t, id, vocabSize)
			}
			backing[(b*steps+t)*vocabSize+id] = 1
		}
	}
	return tensor.New(tensor.WithShape(len(ids)*steps, vocabSize), tensor.WithBacking(backing)), nil
}

// EncodeLabels one-hot encodes category ids into a (batch, numCategories)
// matrix.
func EncodeLabels(labels []int, numCategories int) (*tensor.Dense, error) {
	if len(labels) == 0 {
		return nil, errors.New("empty batch")
	}
	backing := make([]float32, len(labels)*numCategories)
	for i, l := range labels {
		if l < 0 || l >= numCategories {
			return nil, errors.Wrapf(ErrLabelOutOfRange, "example %d: category %d not in [0, %d)", i, l, numCategories)
		}
		backing[i*numCategories+l] = 1
	}
	return tensor.New(tensor.WithShape(len(labels), numCategories), tensor.WithBacking(backing)), nil
}

// argmax returns the index of the largest value in each row.
func argmax(rows [][]float32) []int {
	out := make([]int, len(rows))
	for i, row := range rows {
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// splitRows copies a flat row-major buffer into rows of width cols.
func splitRows(flat []float32, cols int) [][]float32 {
	rows := make([][]float32, len(flat)/cols)
	for i := range rows {
		rows[i] = append([]float32(nil), flat[i*cols:(i+1)*cols]...)
	}
	return rows
}
