package engine

import (
	"context"
	"log/slog"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

// persistOp is one queued write. Exactly one field is set, except for
// flush markers which only carry done.
type persistOp struct {
	snap       *api.Snapshot
	step       *persistence.StepRecord
	checkpoint *api.Checkpoint
	deleteCP   string

	done chan struct{}
}

// persister applies store writes in FIFO order on its own goroutine.
// Failures are logged and never reach the execution.
type persister struct {
	store  persistence.Store
	logger *slog.Logger
	ops    chan persistOp
	closed chan struct{}
}

func newPersister(store persistence.Store, logger *slog.Logger, size int) *persister {
	if size <= 0 {
		size = 256
	}
	p := &persister{
		store:  store,
		logger: logger,
		ops:    make(chan persistOp, size),
		closed: make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer close(p.closed)
	for op := range p.ops {
		p.apply(op)
	}
}

func (p *persister) apply(op persistOp) {
	ctx := context.Background()
	var (
		err  error
		attr slog.Attr
	)
	switch {
	case op.snap != nil:
		err = p.store.UpdateExecution(ctx, op.snap)
		attr = slog.String("execution_id", op.snap.ID)
	case op.step != nil:
		err = p.store.RecordStep(ctx, *op.step)
		attr = slog.String("execution_id", op.step.ExecutionID)
	case op.checkpoint != nil:
		err = p.store.SaveCheckpoint(ctx, op.checkpoint)
		attr = slog.String("execution_id", op.checkpoint.ExecutionID)
	case op.deleteCP != "":
		err = p.store.DeleteCheckpoint(ctx, op.deleteCP)
		attr = slog.String("execution_id", op.deleteCP)
	}
	if err != nil {
		p.logger.Warn("persistence write failed", attr, slog.Any("error", err))
	}
	if op.done != nil {
		close(op.done)
	}
}

func (p *persister) saveSnapshot(s *api.Snapshot) { p.ops <- persistOp{snap: s} }

func (p *persister) recordStep(r persistence.StepRecord) { p.ops <- persistOp{step: &r} }

func (p *persister) saveCheckpoint(cp *api.Checkpoint) { p.ops <- persistOp{checkpoint: cp} }

func (p *persister) deleteCheckpoint(id string) { p.ops <- persistOp{deleteCP: id} }

// flush waits until every write queued before it has been applied.
func (p *persister) flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.ops <- persistOp{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue. No writes may be queued afterwards.
func (p *persister) close(ctx context.Context) error {
	close(p.ops)
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
