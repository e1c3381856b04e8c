package loadgen

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/metrics"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/panjf2000/ants/v2"
)

// Pool runs a fixed number of request loops against one task until the
// task's duration has elapsed.
type Pool struct {
	concurrency int
	executor    *Executor
}

// NewPool creates a pool with the given number of loops. A non-positive
// concurrency uses the host's available parallelism.
func NewPool(concurrency int, executor *Executor) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool{concurrency: concurrency, executor: executor}
}

func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Run blocks until start + task.Duration or until ctx is cancelled. Every
// outcome is fed to recorder. Requests in flight at the deadline complete and
// are recorded; the loops do not start new ones.
func (p *Pool) Run(ctx context.Context, task *protocol.TaskConfig, recorder Recorder) error {
	deadline := time.Now().Add(time.Duration(task.Duration) * time.Second)

	pool, err := ants.NewPool(p.concurrency)
	if err != nil {
		return err
	}
	defer pool.Release()

	wg := &sync.WaitGroup{}
	for i := 0; i < p.concurrency; i++ {
		local := task.Clone()
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			p.loop(ctx, local, deadline, recorder)
		})
		if err != nil {
			wg.Done()
			logging.Logger.Errorf("failed to start request loop: %s", err)
		}
	}
	wg.Wait()

	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, task *protocol.TaskConfig, deadline time.Time, recorder Recorder) {
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}

		outcome := p.executor.Execute(ctx, task)
		if ctx.Err() != nil {
			// shutdown, not a target failure
			return
		}

		metrics.RecordRequest(outcome.Success, outcome.Latency.Seconds())
		recorder.RecordOutcome(outcome.Success, outcome.LatencyMs(), outcome.ErrorKind())
	}
}
