package embedinit

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"textcbhg/internal/config"
	"textcbhg/internal/model"
	"textcbhg/internal/vocab"
)

type lengthEncoder struct {
	width int
	calls []string
}

func (e *lengthEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	e.calls = append(e.calls, text)
	out := make([]float32, e.width)
	for i := range out {
		out[i] = float32(len(text) + i)
	}
	return out, nil
}

func mustVocab(t *testing.T, tokens ...string) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.NewVocabulary(tokens)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func row(data []float32, id, width int) []float32 {
	return data[id*width : (id+1)*width]
}

func TestHashedIsOrderIndependent(t *testing.T) {
	const width = 6
	a, err := Hashed(mustVocab(t, "cat", "dog"), 4, width)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hashed(mustVocab(t, "dog", "cat"), 4, width)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, width}, []int(a.Shape())); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	ad, bd := a.Data().([]float32), b.Data().([]float32)
	if diff := cmp.Diff(row(ad, 2, width), row(bd, 3, width)); diff != "" {
		t.Fatalf("row for %q depends on vocabulary order:\n%s", "cat", diff)
	}
	if diff := cmp.Diff(make([]float32, width), row(ad, vocab.PadID, width)); diff != "" {
		t.Fatalf("padding row is not zero:\n%s", diff)
	}
	if cmp.Equal(row(ad, 2, width), row(ad, 3, width)) {
		t.Fatal("different tokens got identical rows")
	}
}

func TestPretrained(t *testing.T) {
	enc := &lengthEncoder{width: 3}
	v := mustVocab(t, "hi")
	table, err := Pretrained(context.Background(), enc, v, 4, 3, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{
		0, 0, 0,
		5, 6, 7, // <UNK>
		2, 3, 4, // hi
		0, 0, 0, // unused
	}
	if diff := cmp.Diff(want, table.Data().([]float32)); diff != "" {
		t.Fatalf("table (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{vocab.UnkToken, "hi"}, enc.calls); diff != "" {
		t.Fatalf("encoded tokens (-want +got):\n%s", diff)
	}
}

func TestPretrainedWidthMismatch(t *testing.T) {
	enc := &lengthEncoder{width: 4}
	_, err := Pretrained(context.Background(), enc, mustVocab(t, "hi"), 3, 3, zerolog.Nop())
	if !errors.Is(err, ErrWidthMismatch) {
		t.Fatalf("expected ErrWidthMismatch, got %v", err)
	}
}

func TestPretrainedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	enc := &lengthEncoder{width: 3}
	if _, err := Pretrained(ctx, enc, mustVocab(t, "hi"), 3, 3, zerolog.Nop()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(enc.calls) != 0 {
		t.Fatalf("encoder called %d times after cancel", len(enc.calls))
	}
}

func TestInitial(t *testing.T) {
	v := mustVocab(t, "a", "b")
	cfg := config.Default()
	cfg.HiddenUnits = 4
	cfg.VocabSize = v.Len()

	p, err := Initial(context.Background(), cfg, v, zerolog.Nop())
	if err != nil || p != nil {
		t.Fatalf("glorot: got %v, %v; want nil, nil", p, err)
	}

	cfg.EmbeddingInit = config.InitHashed
	if p, err = Initial(context.Background(), cfg, v, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	table, ok := p.Get(model.EmbeddingTable)
	if !ok {
		t.Fatalf("missing %s", model.EmbeddingTable)
	}
	if diff := cmp.Diff([]int{cfg.VocabSize, 4}, []int(table.Shape())); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}

	cfg.EmbeddingInit = "word2vec"
	if _, err := Initial(context.Background(), cfg, v, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "word2vec") {
		t.Fatalf("expected unknown initializer error, got %v", err)
	}
}

func TestTablesCoverVocabSize(t *testing.T) {
	v := mustVocab(t, "a", "b")
	cfg := config.Default()
	cfg.MaxLen = 4
	cfg.HiddenUnits = 8
	cfg.EncoderNumBanks = 2
	cfg.NumHighwayBlocks = 1
	cfg.NumCategories = 2
	cfg.BatchSize = 1
	cfg.VocabSize = v.Len() + 2
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	for _, method := range []string{config.InitHashed, config.InitPretrained} {
		var (
			p   *model.Params
			err error
		)
		if method == config.InitHashed {
			cfg.EmbeddingInit = method
			p, err = Initial(context.Background(), cfg, v, zerolog.Nop())
		} else {
			var table tensor.Tensor
			table, err = Pretrained(context.Background(), &lengthEncoder{width: cfg.HiddenUnits}, v, cfg.VocabSize, cfg.HiddenUnits, zerolog.Nop())
			p = model.NewParams()
			p.Set(model.EmbeddingTable, table, true)
		}
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		table, _ := p.Get(model.EmbeddingTable)
		data := table.Data().([]float32)
		if diff := cmp.Diff(make([]float32, 2*cfg.HiddenUnits), data[v.Len()*cfg.HiddenUnits:]); diff != "" {
			t.Fatalf("%s: rows past the vocabulary are not zero:\n%s", method, diff)
		}
		tg, err := model.BuildTraining(cfg, p)
		if err != nil {
			t.Fatalf("%s: BuildTraining: %v", method, err)
		}
		tg.Close()
	}
}

func TestTableSmallerThanVocabulary(t *testing.T) {
	v := mustVocab(t, "a", "b")
	if _, err := Hashed(v, v.Len()-1, 4); err == nil {
		t.Fatal("expected error for a table smaller than the vocabulary")
	}
}
