// Command textcbhg trains and serves the CBHG text classifier.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"textcbhg/internal/config"
	"textcbhg/internal/vocab"
)

const usage = `usage: textcbhg <command> [flags]

commands:
  train     train a classifier, resuming from the latest checkpoint in logdir
  eval      score a checkpoint on a labelled corpus
  predict   classify lines read from stdin
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var run func(context.Context, zerolog.Logger, []string) error
	switch cmd {
	case "train":
		run = runTrain
	case "eval":
		run = runEval
	case "predict":
		run = runPredict
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("cmd", cmd).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, args); err != nil {
		logger.Error().Err(err).Msg("failed")
		stop()
		os.Exit(1)
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	logDir     string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "configs/textcbhg.yaml", "Path to YAML config")
	fs.StringVar(&c.logDir, "logdir", "", "Override checkpoint directory")
	fs.BoolVar(&c.verbose, "v", false, "Debug logging")
}

// setup loads the config, applies overrides and reads the vocabulary and
// label files, filling vocab_size and num_categories from them when unset.
func setup(logger *zerolog.Logger, common commonFlags, o config.Overrides) (*config.Config, *vocab.Vocabulary, *vocab.Categories, error) {
	if common.verbose {
		*logger = logger.Level(zerolog.DebugLevel)
	} else {
		*logger = logger.Level(zerolog.InfoLevel)
	}
	logger.Info().
		Str("cpu", cpuid.CPU.BrandName).
		Int("physical_cores", cpuid.CPU.PhysicalCores).
		Int("logical_cores", cpuid.CPU.LogicalCores).
		Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)).
		Bool("fma", cpuid.CPU.Supports(cpuid.FMA3)).
		Msg("host")

	cfg, err := config.Load(common.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	o.LogDir = common.logDir
	cfg.ApplyOverrides(o)

	v, err := vocab.LoadVocabulary(cfg.VocabPath)
	if err != nil {
		return nil, nil, nil, err
	}
	cats, err := vocab.LoadCategories(cfg.LabelsPath)
	if err != nil {
		return nil, nil, nil, err
	}
	switch {
	case cfg.VocabSize == 0:
		cfg.VocabSize = v.Len()
	case cfg.VocabSize < v.Len():
		return nil, nil, nil, errors.Errorf("vocab_size %d is smaller than the %d entries in %s", cfg.VocabSize, v.Len(), cfg.VocabPath)
	}
	switch {
	case cfg.NumCategories == 0:
		cfg.NumCategories = cats.Len()
	case cfg.NumCategories != cats.Len():
		return nil, nil, nil, errors.Errorf("num_categories %d disagrees with the %d labels in %s", cfg.NumCategories, cats.Len(), cfg.LabelsPath)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cpuid.CPU.LogicalCores
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "invalid config")
	}
	logger.Debug().Interface("config", cfg).Msg("config")
	return cfg, v, cats, nil
}
