package trainer

import (
	"github.com/rs/zerolog"
)

// Sample is the first example of a monitored batch.
type Sample struct {
	Epoch      int
	Step       int
	GlobalStep int64
	Input      string
	Label      string
	Pred       string
}

// Monitor receives periodic samples during training.
type Monitor interface {
	Observe(Sample)
}

// LogMonitor writes samples to a zerolog logger.
type LogMonitor struct {
	Logger zerolog.Logger
}

func (m LogMonitor) Observe(s Sample) {
	m.Logger.Info().
		Int("epoch", s.Epoch).
		Int("step", s.Step).
		Int64("global_step", s.GlobalStep).
		Str("input", s.Input).
		Str("label", s.Label).
		Str("pred", s.Pred).
		Msg("monitor")
}
