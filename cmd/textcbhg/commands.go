package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"textcbhg/internal/checkpoint"
	"textcbhg/internal/config"
	"textcbhg/internal/dataset"
	"textcbhg/internal/embedinit"
	"textcbhg/internal/metrics"
	"textcbhg/internal/model"
	"textcbhg/internal/trainer"
	"textcbhg/internal/vocab"
)

func runTrain(ctx context.Context, logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	trainPath := fs.String("train", "", "Override training corpus")
	evalPath := fs.String("eval", "", "Override evaluation corpus")
	epochs := fs.Int("epochs", 0, "Number of epochs")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	monitorEvery := fs.Int("monitor-every", 0, "Log a sample every N steps of an epoch")
	lr := fs.Float64("lr", 0, "Adam learning rate")
	seed := fs.Int64("seed", 0, "Shuffle seed")
	fresh := fs.Bool("fresh", false, "Ignore existing checkpoints in logdir")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, v, cats, err := setup(&logger, common, config.Overrides{
		TrainPath:    *trainPath,
		EvalPath:     *evalPath,
		NumEpochs:    *epochs,
		BatchSize:    *batchSize,
		MonitorEvery: *monitorEvery,
		LearningRate: *lr,
		Seed:         *seed,
	})
	if err != nil {
		return err
	}

	examples, err := dataset.LoadCorpus(cfg.TrainPath, v, cats, cfg.MaxLen)
	if err != nil {
		return err
	}
	shuffler, err := dataset.NewShuffler(examples, cfg.BatchSize, cfg.Seed)
	if err != nil {
		return err
	}
	provider := dataset.Prefetch(ctx, shuffler, cfg.Prefetch)
	defer provider.Close()
	logger.Info().Int("examples", len(examples)).Int("batches_per_epoch", provider.BatchesPerEpoch()).Str("path", cfg.TrainPath).Msg("loaded training corpus")

	var eval []dataset.Batch
	if cfg.EvalPath != "" {
		evalExamples, err := dataset.LoadCorpus(cfg.EvalPath, v, cats, cfg.MaxLen)
		if err != nil {
			return err
		}
		eval = dataset.Batches(evalExamples, cfg.BatchSize)
		logger.Info().Int("examples", len(evalExamples)).Str("path", cfg.EvalPath).Msg("loaded evaluation corpus")
	}

	store, err := checkpoint.NewStore(cfg.LogDir)
	if err != nil {
		return err
	}
	initial, err := embedinit.Initial(ctx, cfg, v, logger)
	if err != nil {
		return err
	}
	ctrl, err := trainer.New(trainer.Options{
		Config:     cfg,
		Provider:   provider,
		Eval:       eval,
		Store:      store,
		Logger:     logger,
		Params:     initial,
		Vocab:      v,
		Categories: cats,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if !*fresh {
		tag, err := ctrl.RestoreLatest()
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			logger.Info().Str("logdir", cfg.LogDir).Msg("no checkpoint, starting from scratch")
		case err != nil:
			return err
		default:
			tags, err := store.Tags()
			if err != nil {
				return err
			}
			logger.Info().Str("tag", tag).Int("checkpoints", len(tags)).Msg("resuming")
		}
	}

	sum, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Int("epochs", sum.Epochs).
		Int64("global_step", sum.GlobalStep).
		Strs("checkpoints", sum.Checkpoints).
		Bool("stopped", sum.Stopped).
		Msg("done")
	return nil
}

// restore loads tag, or the latest checkpoint when tag is empty.
func restore(cfg *config.Config, tag string) (checkpoint.State, error) {
	store, err := checkpoint.NewStore(cfg.LogDir)
	if err != nil {
		return checkpoint.State{}, err
	}
	if tag == "" {
		if tag, err = store.Latest(); err != nil {
			return checkpoint.State{}, err
		}
	}
	return store.Restore(tag)
}

func runEval(ctx context.Context, logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	tag := fs.String("checkpoint", "", "Checkpoint tag (default: latest)")
	dataPath := fs.String("data", "", "Labelled corpus (default: eval_path from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, v, cats, err := setup(&logger, common, config.Overrides{EvalPath: *dataPath})
	if err != nil {
		return err
	}
	if cfg.EvalPath == "" {
		return errors.New("no evaluation corpus: set eval_path or -data")
	}
	examples, err := dataset.LoadCorpus(cfg.EvalPath, v, cats, cfg.MaxLen)
	if err != nil {
		return err
	}
	st, err := restore(cfg, *tag)
	if err != nil {
		return err
	}
	p := model.NewPredictor(cfg, st.Params)
	defer p.Close()

	var ev metrics.Eval
	for _, b := range dataset.Batches(examples, cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := p.Predict(b.IDs)
		if err != nil {
			return err
		}
		ev.Add(out.Logits, b.Labels)
	}
	logger.Info().
		Str("tag", st.Tag).
		Int64("global_step", st.GlobalStep).
		Int("examples", ev.Count()).
		Float64("loss", ev.Loss()).
		Float64("accuracy", ev.Accuracy()).
		Msg("eval")
	return nil
}

func runPredict(ctx context.Context, logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	tag := fs.String("checkpoint", "", "Checkpoint tag (default: latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, v, cats, err := setup(&logger, common, config.Overrides{})
	if err != nil {
		return err
	}
	st, err := restore(cfg, *tag)
	if err != nil {
		return err
	}
	logger.Info().Str("tag", st.Tag).Msg("loaded checkpoint")
	p := model.NewPredictor(cfg, st.Params)
	defer p.Close()

	var texts []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		texts = append(texts, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stdin")
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for start := 0; start < len(texts); start += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		if err := predictChunk(out, p, v, cats, cfg.MaxLen, texts[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func predictChunk(w *bufio.Writer, p *model.Predictor, v *vocab.Vocabulary, cats *vocab.Categories, maxLen int, texts []string) error {
	ids := make([][]int, len(texts))
	for i, text := range texts {
		ids[i] = dataset.Encode(v, text, maxLen)
	}
	res, err := p.Predict(ids)
	if err != nil {
		return err
	}
	for i, text := range texts {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", cats.Name(res.Preds[i]), text); err != nil {
			return err
		}
	}
	return nil
}
