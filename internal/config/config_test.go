package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func validConfig() *Config {
	cfg := Default()
	cfg.VocabSize = 100
	cfg.NumCategories = 3
	return cfg
}

func TestValidateFillsDerivedWidths(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if diff := cmp.Diff([]int{128, 64}, cfg.PrenetUnits); diff != "" {
		t.Fatalf("prenet units (-want +got):\n%s", diff)
	}
	if cfg.BankUnits != 64 || cfg.ProjectionUnits != 64 {
		t.Fatalf("unexpected widths bank=%d proj=%d", cfg.BankUnits, cfg.ProjectionUnits)
	}
	if cfg.ResidualUnits() != 64 {
		t.Fatalf("residual units = %d", cfg.ResidualUnits())
	}
}

func TestValidateResidualMismatch(t *testing.T) {
	cfg := validConfig()
	cfg.PrenetUnits = []int{128, 64}
	cfg.ProjectionUnits = 32
	err := cfg.Validate()
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"max_len":        func(c *Config) { c.MaxLen = 0 },
		"vocab":          func(c *Config) { c.VocabSize = 0 },
		"categories":     func(c *Config) { c.NumCategories = 1 },
		"dropout":        func(c *Config) { c.DropoutRate = 1 },
		"banks":          func(c *Config) { c.EncoderNumBanks = 0 },
		"prenet entries": func(c *Config) { c.PrenetUnits = []int{8} },
		"init":           func(c *Config) { c.EmbeddingInit = "random" },
		"pretrained":     func(c *Config) { c.EmbeddingInit = InitPretrained },
		"epochs":         func(c *Config) { c.NumEpochs = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hp.yaml")
	raw := "max_len: 10\nhidden_units: 16\nnum_epochs: 2\nvocab_path: vocab.txt\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxLen != 10 || cfg.HiddenUnits != 16 || cfg.NumEpochs != 2 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.BatchSize != 32 {
		t.Fatalf("default batch size lost: %d", cfg.BatchSize)
	}
	cfg.ApplyOverrides(Overrides{NumEpochs: 5, LogDir: "/tmp/run"})
	if cfg.NumEpochs != 5 || cfg.LogDir != "/tmp/run" || cfg.VocabPath != "vocab.txt" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
