package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrShapeMismatch is returned when two stages that are joined by the
// residual connection disagree on their feature width.
var ErrShapeMismatch = errors.New("shape mismatch")

// Embedding initializers understood by the model builder.
const (
	InitGlorot     = "glorot"
	InitHashed     = "hashed"
	InitPretrained = "pretrained"
)

// Config captures the hyperparameters and file locations for a run.
type Config struct {
	MaxLen           int     `yaml:"max_len"`
	VocabSize        int     `yaml:"vocab_size"`
	HiddenUnits      int     `yaml:"hidden_units"`
	PrenetUnits      []int   `yaml:"prenet_units"`
	BankUnits        int     `yaml:"bank_units"`
	ProjectionUnits  int     `yaml:"projection_units"`
	DropoutRate      float64 `yaml:"dropout_rate"`
	EncoderNumBanks  int     `yaml:"encoder_num_banks"`
	NumHighwayBlocks int     `yaml:"num_highway_blocks"`
	NumCategories    int     `yaml:"num_categories"`
	LearningRate     float64 `yaml:"learning_rate"`
	NumEpochs        int     `yaml:"num_epochs"`
	BatchSize        int     `yaml:"batch_size"`
	BNMomentum       float64 `yaml:"bn_momentum"`
	BNEpsilon        float64 `yaml:"bn_epsilon"`
	Seed             int64   `yaml:"seed"`

	LogDir       string `yaml:"logdir"`
	MonitorEvery int    `yaml:"monitor_every"`
	LogEvery     int    `yaml:"log_every"`
	Prefetch     int    `yaml:"prefetch"`

	EmbeddingInit   string `yaml:"embedding_init"`
	PretrainedModel string `yaml:"pretrained_model"`
	ModelsDir       string `yaml:"models_dir"`

	VocabPath  string `yaml:"vocab_path"`
	LabelsPath string `yaml:"labels_path"`
	TrainPath  string `yaml:"train_path"`
	EvalPath   string `yaml:"eval_path"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	LogDir       string
	TrainPath    string
	EvalPath     string
	NumEpochs    int
	BatchSize    int
	MonitorEvery int
	LearningRate float64
	Seed         int64
}

// Default returns the hyperparameters used when a YAML file leaves a
// field unset.
func Default() *Config {
	return &Config{
		MaxLen:           50,
		HiddenUnits:      128,
		DropoutRate:      0.5,
		EncoderNumBanks:  16,
		NumHighwayBlocks: 4,
		LearningRate:     0.001,
		NumEpochs:        20,
		BatchSize:        32,
		BNMomentum:       0.99,
		BNEpsilon:        1e-3,
		LogDir:           "logdir",
		MonitorEvery:     1000,
		LogEvery:         100,
		Prefetch:         4,
		EmbeddingInit:    InitGlorot,
		ModelsDir:        "./models",
		Seed:             42,
	}
}

// Load reads a Config from YAML on top of Default. The result is not
// validated, since vocabulary and category sizes may still have to be
// filled in from their files.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.TrainPath != "" {
		c.TrainPath = o.TrainPath
	}
	if o.EvalPath != "" {
		c.EvalPath = o.EvalPath
	}
	if o.NumEpochs > 0 {
		c.NumEpochs = o.NumEpochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.MonitorEvery > 0 {
		c.MonitorEvery = o.MonitorEvery
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

// Validate fills derived widths and verifies the config describes a
// buildable graph. Width disagreements around the residual add are
// reported as ErrShapeMismatch.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.MaxLen <= 0 {
		return errors.Errorf("max_len must be > 0 (got %d)", c.MaxLen)
	}
	if c.VocabSize <= 0 {
		return errors.Errorf("vocab_size must be > 0 (got %d)", c.VocabSize)
	}
	if c.HiddenUnits <= 0 {
		return errors.Errorf("hidden_units must be > 0 (got %d)", c.HiddenUnits)
	}
	if len(c.PrenetUnits) == 0 {
		c.PrenetUnits = []int{c.HiddenUnits, c.HiddenUnits / 2}
	}
	if len(c.PrenetUnits) != 2 {
		return errors.Errorf("prenet_units must have two entries (got %d)", len(c.PrenetUnits))
	}
	for i, u := range c.PrenetUnits {
		if u <= 0 {
			return errors.Errorf("prenet_units[%d] must be > 0 (got %d)", i, u)
		}
	}
	if c.BankUnits == 0 {
		c.BankUnits = c.HiddenUnits / 2
	}
	if c.ProjectionUnits == 0 {
		c.ProjectionUnits = c.HiddenUnits / 2
	}
	if c.BankUnits <= 0 {
		return errors.Errorf("bank_units must be > 0 (got %d)", c.BankUnits)
	}
	if c.ProjectionUnits != c.PrenetUnits[1] {
		return errors.Wrapf(ErrShapeMismatch, "residual add: prenet width %d != projection width %d",
			c.PrenetUnits[1], c.ProjectionUnits)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("dropout_rate must be in [0, 1) (got %g)", c.DropoutRate)
	}
	if c.EncoderNumBanks <= 0 {
		return errors.Errorf("encoder_num_banks must be > 0 (got %d)", c.EncoderNumBanks)
	}
	if c.NumHighwayBlocks < 0 {
		return errors.Errorf("num_highway_blocks must be >= 0 (got %d)", c.NumHighwayBlocks)
	}
	if c.NumCategories < 2 {
		return errors.Errorf("num_categories must be >= 2 (got %d)", c.NumCategories)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.NumEpochs <= 0 {
		return errors.Errorf("num_epochs must be > 0 (got %d)", c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.BNMomentum <= 0 || c.BNMomentum >= 1 {
		c.BNMomentum = 0.99
	}
	if c.BNEpsilon <= 0 {
		c.BNEpsilon = 1e-3
	}
	if c.MonitorEvery <= 0 {
		c.MonitorEvery = 1000
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 100
	}
	switch c.EmbeddingInit {
	case "":
		c.EmbeddingInit = InitGlorot
	case InitGlorot, InitHashed:
	case InitPretrained:
		if c.PretrainedModel == "" {
			return errors.New("pretrained_model must be set when embedding_init is pretrained")
		}
	default:
		return errors.Errorf("unknown embedding_init %q", c.EmbeddingInit)
	}
	return nil
}

// ResidualUnits is the feature width shared by the pre-net output, the
// projection convolutions and the highway stack.
func (c *Config) ResidualUnits() int {
	return c.ProjectionUnits
}
