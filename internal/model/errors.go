package model

import (
	"github.com/pkg/errors"

	"textcbhg/internal/config"
)

var (
	// ErrShapeMismatch marks a width disagreement found while building a
	// graph. It is the same sentinel config.Validate reports.
	ErrShapeMismatch = config.ErrShapeMismatch

	// ErrTokenOutOfRange is returned for token ids outside [0, vocab_size).
	ErrTokenOutOfRange = errors.New("token id out of range")

	// ErrLabelOutOfRange is returned for category ids outside [0, num_categories).
	ErrLabelOutOfRange = errors.New("category id out of range")

	// ErrSequenceLength is returned when a sequence is not exactly max_len ids.
	ErrSequenceLength = errors.New("sequence length differs from max_len")
)
