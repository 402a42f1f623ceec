package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Prefetcher reads batches from a Provider on a background goroutine so
// the next batch is ready when the training step finishes. Batches are
// delivered in the order the source produced them.
type Prefetcher struct {
	src    Provider
	out    chan Batch
	cancel context.CancelFunc
	group  *errgroup.Group

	once sync.Once
	err  error
}

// Prefetch starts reading from src with up to depth batches buffered.
func Prefetch(ctx context.Context, src Provider, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Prefetcher{
		src:    src,
		out:    make(chan Batch, depth),
		cancel: cancel,
		group:  g,
	}
	g.Go(func() error {
		defer close(p.out)
		for {
			b, err := src.NextBatch(gctx)
			if err != nil {
				return err
			}
			select {
			case p.out <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	return p
}

// BatchesPerEpoch implements Provider.
func (p *Prefetcher) BatchesPerEpoch() int {
	return p.src.BatchesPerEpoch()
}

// NextBatch implements Provider. Once the source fails, every later
// call returns the source error.
func (p *Prefetcher) NextBatch(ctx context.Context) (Batch, error) {
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case b, ok := <-p.out:
		if !ok {
			return Batch{}, p.wait()
		}
		return b, nil
	}
}

func (p *Prefetcher) wait() error {
	p.once.Do(func() {
		p.err = p.group.Wait()
		if p.err == nil {
			p.err = errors.New("prefetch: source closed")
		}
		p.err = errors.Wrap(p.err, "prefetch")
	})
	return p.err
}

// Close stops the background reader and waits for it to exit.
func (p *Prefetcher) Close() error {
	p.cancel()
	err := p.wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
