package consume

import (
	"context"
	"sync"
)

// gate is a one-shot signal. Once opened it stays open.
type gate struct {
	ready chan struct{}
	once  sync.Once
}

func newGate() *gate {
	return &gate{ready: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() {
		close(g.ready)
	})
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
