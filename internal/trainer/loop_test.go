package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"textcbhg/internal/checkpoint"
	"textcbhg/internal/config"
	"textcbhg/internal/dataset"
	"textcbhg/internal/vocab"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.MaxLen = 6
	cfg.VocabSize = 12
	cfg.HiddenUnits = 8
	cfg.EncoderNumBanks = 3
	cfg.NumHighwayBlocks = 1
	cfg.NumCategories = 3
	cfg.BatchSize = 2
	cfg.DropoutRate = 0
	cfg.NumEpochs = 1
	cfg.MonitorEvery = 1000
	cfg.LogEvery = 1
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// cycleProvider returns its batches in order, forever.
type cycleProvider struct {
	batches []dataset.Batch
	next    int
	err     error
}

func (p *cycleProvider) NextBatch(ctx context.Context) (dataset.Batch, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Batch{}, err
	}
	if p.err != nil {
		return dataset.Batch{}, p.err
	}
	b := p.batches[p.next%len(p.batches)]
	p.next++
	return b, nil
}

func (p *cycleProvider) BatchesPerEpoch() int { return len(p.batches) }

func threeBatches() *cycleProvider {
	return &cycleProvider{batches: []dataset.Batch{
		{IDs: [][]int{{2, 3, 4, 0, 0, 0}, {5, 6, 7, 8, 0, 0}}, Labels: []int{0, 1}},
		{IDs: [][]int{{9, 10, 11, 0, 0, 0}, {2, 2, 3, 3, 0, 0}}, Labels: []int{2, 0}},
		{IDs: [][]int{{4, 5, 6, 7, 8, 9}, {1, 1, 0, 0, 0, 0}}, Labels: []int{1, 2}},
	}}
}

type recordingMonitor struct {
	samples []Sample
	onSeen  func(n int)
}

func (m *recordingMonitor) Observe(s Sample) {
	m.samples = append(m.samples, s)
	if m.onSeen != nil {
		m.onSeen(len(m.samples))
	}
}

func newController(t *testing.T, cfg *config.Config, store *checkpoint.Store, p dataset.Provider, mon Monitor) *Controller {
	t.Helper()
	c, err := New(Options{
		Config:   cfg,
		Provider: p,
		Store:    store,
		Monitor:  mon,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTag(t *testing.T) {
	if got := Tag(3, 1500); got != "model_epoch_03_gs_1500" {
		t.Fatalf("Tag = %q", got)
	}
	if got := Tag(12, 7); got != "model_epoch_12_gs_7" {
		t.Fatalf("Tag = %q", got)
	}
}

func TestRunCountsStepsAndCheckpointsEachEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumEpochs = 2
	store := newStore(t)
	c := newController(t, cfg, store, threeBatches(), &recordingMonitor{})

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Stopped {
		t.Fatal("run reported a stop")
	}
	if c.GlobalStep() != 6 || sum.GlobalStep != 6 {
		t.Fatalf("global step = %d (summary %d), want 6", c.GlobalStep(), sum.GlobalStep)
	}
	if diff := cmp.Diff([]string{"model_epoch_01_gs_3", "model_epoch_02_gs_6"}, sum.Checkpoints); diff != "" {
		t.Fatalf("checkpoints (-want +got):\n%s", diff)
	}
	latest, err := store.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest != "model_epoch_02_gs_6" {
		t.Fatalf("latest = %q", latest)
	}
}

func TestResumeAddsSteps(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	first := newController(t, cfg, store, threeBatches(), &recordingMonitor{})
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if first.GlobalStep() != 3 {
		t.Fatalf("global step = %d, want 3", first.GlobalStep())
	}

	resumedCfg := *cfg
	resumedCfg.NumEpochs = 3
	second := newController(t, &resumedCfg, store, threeBatches(), &recordingMonitor{})
	tag, err := second.RestoreLatest()
	if err != nil {
		t.Fatalf("RestoreLatest: %v", err)
	}
	if tag != "model_epoch_01_gs_3" {
		t.Fatalf("restored %q", tag)
	}
	if second.GlobalStep() != 3 || second.Epoch() != 1 {
		t.Fatalf("after restore: step=%d epoch=%d", second.GlobalStep(), second.Epoch())
	}
	sum, err := second.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.GlobalStep() != 3+6 {
		t.Fatalf("global step = %d, want 9", second.GlobalStep())
	}
	if diff := cmp.Diff([]string{"model_epoch_02_gs_6", "model_epoch_03_gs_9"}, sum.Checkpoints); diff != "" {
		t.Fatalf("checkpoints (-want +got):\n%s", diff)
	}
}

func TestRestoreLatestWithoutCheckpoint(t *testing.T) {
	c := newController(t, testConfig(t), newStore(t), threeBatches(), &recordingMonitor{})
	if _, err := c.RestoreLatest(); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopBeforeRun(t *testing.T) {
	store := newStore(t)
	c := newController(t, testConfig(t), store, threeBatches(), &recordingMonitor{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("stop should not be an error: %v", err)
	}
	if !sum.Stopped || c.GlobalStep() != 0 || len(sum.Checkpoints) != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := store.Latest(); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected no checkpoint, got %v", err)
	}
}

func TestStopMidEpochKeepsEarlierCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumEpochs = 3
	cfg.MonitorEvery = 1
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon := &recordingMonitor{onSeen: func(n int) {
		// Fifth step overall: second step of epoch two.
		if n == 5 {
			cancel()
		}
	}}
	c := newController(t, cfg, store, threeBatches(), mon)

	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Stopped {
		t.Fatal("expected Stopped")
	}
	if c.GlobalStep() != 5 {
		t.Fatalf("global step = %d, want 5", c.GlobalStep())
	}
	if diff := cmp.Diff([]string{"model_epoch_01_gs_3"}, sum.Checkpoints); diff != "" {
		t.Fatalf("checkpoints (-want +got):\n%s", diff)
	}
	if _, err := store.Restore("model_epoch_01_gs_3"); err != nil {
		t.Fatalf("earlier checkpoint unreadable: %v", err)
	}
}

func TestMonitorSamples(t *testing.T) {
	cfg := testConfig(t)
	cfg.MonitorEvery = 2
	v, err := vocab.NewVocabulary([]string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"})
	if err != nil {
		t.Fatal(err)
	}
	cats, err := vocab.NewCategories([]string{"news", "sport", "tech"})
	if err != nil {
		t.Fatal(err)
	}
	mon := &recordingMonitor{}
	c, err := New(Options{
		Config:     cfg,
		Provider:   threeBatches(),
		Store:      newStore(t),
		Monitor:    mon,
		Logger:     zerolog.Nop(),
		Vocab:      v,
		Categories: cats,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(mon.samples) != 2 {
		t.Fatalf("expected samples at steps 0 and 2, got %d", len(mon.samples))
	}
	first := mon.samples[0]
	if first.Step != 0 || first.GlobalStep != 1 || first.Epoch != 1 {
		t.Fatalf("first sample %+v", first)
	}
	if first.Input != "a b c" || first.Label != "news" {
		t.Fatalf("first sample input=%q label=%q", first.Input, first.Label)
	}
	switch first.Pred {
	case "news", "sport", "tech":
	default:
		t.Fatalf("prediction %q is not a category", first.Pred)
	}
	if mon.samples[1].Step != 2 || mon.samples[1].Label != "sport" {
		t.Fatalf("second sample %+v", mon.samples[1])
	}
}

func TestProviderErrorAbortsRun(t *testing.T) {
	p := threeBatches()
	p.err = errors.New("disk gone")
	c := newController(t, testConfig(t), newStore(t), p, &recordingMonitor{})
	_, err := c.Run(context.Background())
	if err == nil || errors.Cause(err).Error() != "disk gone" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if c.GlobalStep() != 0 {
		t.Fatalf("global step moved to %d", c.GlobalStep())
	}
}

func TestBadLabelAbortsWithoutCountingStep(t *testing.T) {
	p := &cycleProvider{batches: []dataset.Batch{
		{IDs: [][]int{{2, 3, 0, 0, 0, 0}, {4, 5, 0, 0, 0, 0}}, Labels: []int{0, 7}},
	}}
	c := newController(t, testConfig(t), newStore(t), p, &recordingMonitor{})
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error for out of range label")
	}
	if c.GlobalStep() != 0 {
		t.Fatalf("global step moved to %d", c.GlobalStep())
	}
}

func TestEvalRuns(t *testing.T) {
	cfg := testConfig(t)
	p := threeBatches()
	c, err := New(Options{
		Config:   cfg,
		Provider: p,
		Eval:     []dataset.Batch{p.batches[0], {IDs: p.batches[1].IDs[:1], Labels: p.batches[1].Labels[:1]}},
		Store:    newStore(t),
		Monitor:  &recordingMonitor{},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run with eval: %v", err)
	}
}

func TestDefaultMonitorLogsRunID(t *testing.T) {
	var buf bytes.Buffer
	c, err := New(Options{
		Config:   testConfig(t),
		Provider: threeBatches(),
		Store:    newStore(t),
		Logger:   zerolog.New(&buf),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]map[string]interface{}{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if msg, ok := entry["message"].(string); ok {
			seen[msg] = entry
		}
	}
	mon, ok := seen["monitor"]
	if !ok {
		t.Fatal("no monitor line logged")
	}
	if mon["run_id"] != sum.RunID {
		t.Fatalf("monitor run_id = %v, want %q", mon["run_id"], sum.RunID)
	}
	built, ok := seen["training graph built"]
	if !ok {
		t.Fatal("no graph line logged")
	}
	if w, _ := built["trainable_weights"].(float64); w <= 0 {
		t.Fatalf("trainable_weights = %v", built["trainable_weights"])
	}
}
