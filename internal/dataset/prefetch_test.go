package dataset

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

type countingProvider struct {
	n      int
	failAt int
}

func (c *countingProvider) BatchesPerEpoch() int { return 4 }

func (c *countingProvider) NextBatch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if c.failAt > 0 && c.n == c.failAt {
		return Batch{}, errors.New("disk on fire")
	}
	c.n++
	return Batch{IDs: [][]int{{c.n}}, Labels: []int{0}}, nil
}

func TestPrefetchPreservesOrder(t *testing.T) {
	ctx := context.Background()
	p := Prefetch(ctx, &countingProvider{}, 3)
	if p.BatchesPerEpoch() != 4 {
		t.Fatalf("batches per epoch = %d", p.BatchesPerEpoch())
	}
	for want := 1; want <= 10; want++ {
		b, err := p.NextBatch(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if b.IDs[0][0] != want {
			t.Fatalf("got batch %d, want %d", b.IDs[0][0], want)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPrefetchSurfacesSourceError(t *testing.T) {
	ctx := context.Background()
	p := Prefetch(ctx, &countingProvider{failAt: 2}, 1)
	for i := 0; i < 2; i++ {
		if _, err := p.NextBatch(ctx); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if _, err := p.NextBatch(ctx); err == nil {
		t.Fatal("expected source error")
	}
	if _, err := p.NextBatch(ctx); err == nil {
		t.Fatal("expected sticky error")
	}
	if err := p.Close(); err == nil {
		t.Fatal("expected Close to report the source error")
	}
}
