// Package processor polls the store for due orders, claims them and drives
// the retry state machine around an external executor. Multiple processors
// may run against the same database; the lease check-and-set in the store is
// what keeps them from executing the same order twice concurrently.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/executor"
	"orderline/internal/repo"
)

type Processor struct {
	Engine   engine.Engine
	Exec     executor.Executor
	WorkerID string

	// Logf receives progress lines; nil means silent.
	Logf func(format string, args ...any)

	busy atomic.Bool
	wg   sync.WaitGroup
}

func New(e engine.Engine, exec executor.Executor, workerID string) *Processor {
	return &Processor{Engine: e, Exec: exec, WorkerID: workerID}
}

func (p *Processor) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
	}
}

// Run polls at the configured interval until ctx is cancelled. The first
// tick fires immediately. A tick that is still running when the interval
// elapses is skipped, not queued.
func (p *Processor) Run(ctx context.Context) error {
	if p.Engine.Config == nil {
		return errors.New("config not loaded")
	}
	interval := time.Duration(p.Engine.Config.Processor.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tryTick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.tryTick(ctx)
		}
	}
}

// tryTick starts a tick unless one is already in flight.
func (p *Processor) tryTick(ctx context.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.busy.Store(false)
		p.Tick(ctx)
	}()
}

// Tick processes one poll cycle synchronously: scan due orders, claim each,
// and execute the claims concurrently. A failure on one order never aborts
// the tick for the others. Exported so tests can drive the processor without
// the timer.
func (p *Processor) Tick(ctx context.Context) {
	due, err := p.Engine.Repo.DueOrders(ctx, p.nowMs())
	if err != nil {
		// Transient store contention; the next tick retries the scan.
		p.logf("due scan failed: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, d := range due {
		o, err := p.Engine.ClaimOrder(ctx, d.ID, p.WorkerID)
		if errors.Is(err, repo.ErrNotClaimable) || errors.Is(err, repo.ErrNotFound) {
			continue // another worker won the race
		}
		if err != nil {
			p.logf("claim %s failed: %v", d.ID, err)
			continue
		}
		wg.Add(1)
		go func(o domain.Order) {
			defer wg.Done()
			p.process(ctx, o)
		}(o)
	}
	wg.Wait()
}

// process runs the executor for one claimed order and resolves the outcome.
// The executor call is bounded by the configured timeout; a timeout counts as
// a failed attempt like any other error.
func (p *Processor) process(ctx context.Context, o domain.Order) {
	defer func() {
		if r := recover(); r != nil {
			_, err := p.Engine.FailOrder(ctx, o, fmt.Errorf("executor panic: %v", r), nil, p.WorkerID)
			if err != nil {
				p.logf("record panic for %s failed: %v", o.ID, err)
			}
		}
	}()

	timeout := time.Duration(p.Engine.Config.Processor.ExecutorTimeoutMs) * time.Millisecond
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, execErr := p.Exec.Execute(cctx, o)
	if execErr == nil && !res.Success {
		// The contract says failures surface as errors; tolerate executors
		// that only clear the success flag.
		execErr = errors.New("executor reported failure")
	}
	if execErr != nil {
		var resPtr *domain.ExecutionResult
		if res.OrderID != "" || res.Output != nil || len(res.Logs) > 0 {
			res.Success = false
			resPtr = &res
		}
		failed, err := p.Engine.FailOrder(ctx, o, execErr, resPtr, p.WorkerID)
		if err != nil {
			p.logf("record failure for %s failed: %v", o.ID, err)
			return
		}
		p.logf("order %s attempt %d failed (%s): %v", o.ID, failed.AttemptCount, failed.Status, execErr)
		return
	}

	_, record, err := p.Engine.CompleteOrder(ctx, o, res, p.WorkerID)
	if err != nil {
		p.logf("record completion for %s failed: %v", o.ID, err)
		return
	}
	p.logf("order %s completed, decision %s", o.ID, record.Decision)
}

func (p *Processor) nowMs() int64 {
	if p.Engine.Now != nil {
		return p.Engine.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}
