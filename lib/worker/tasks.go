package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/darenliang/loadswarm-go/lib/loadgen"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/google/uuid"
)

// taskRun is one load test in progress. Its aggregator only sees the
// outcomes of this task; the worker's lifetime aggregator sees all of them.
type taskRun struct {
	id         string
	task       *protocol.TaskConfig
	aggregator *loadgen.Aggregator
	startedAt  time.Time
}

// startTask runs task on a pool detached from the connection that delivered
// it. Overlapping tasks run side by side.
func (w *Worker) startTask(ctx context.Context, task *protocol.TaskConfig) {
	run := &taskRun{
		id:         task.TaskID,
		task:       task,
		aggregator: loadgen.NewAggregator(time.Second),
		startedAt:  time.Now(),
	}
	if run.id == "" {
		run.id = uuid.New().String()
	}
	if !w.runs.SetIfAbsent(run.id, run) {
		run.id = fmt.Sprintf("%s-%s", run.id, loadgen.RandomString(identitySuffixLength))
		w.runs.Set(run.id, run)
	}

	logging.Logger.Infof("starting task %s: %s %s for %ds with %d loops",
		run.id, task.HTTPMethod(), task.URL, task.Duration, w.pool.Concurrency())

	w.runsWg.Add(1)
	go func() {
		defer w.runsWg.Done()

		err := w.pool.Run(ctx, task, loadgen.Tee{w.lifetime, run.aggregator})
		w.runs.Remove(run.id)

		snapshot := run.aggregator.Snapshot()
		if err != nil {
			logging.Logger.Warnf("task %s interrupted after %s: %s", run.id, time.Since(run.startedAt).Round(time.Millisecond), err)
		} else {
			logging.Logger.Infof("task %s finished: %d requests, %d succeeded, %d failed",
				run.id, snapshot.TotalRequests, snapshot.SuccessCount, snapshot.ErrorCount)
		}
		w.sendFinalReport(run.id, snapshot)
	}()
}

// sendFinalReport delivers the closing snapshot of a task on whatever
// connection is current. It is not retried.
func (w *Worker) sendFinalReport(taskID string, snapshot protocol.StatsSnapshot) {
	socket := w.currentSocket()
	if socket == nil {
		logging.Logger.Warnf("final report for task %s dropped: not connected", taskID)
		return
	}
	report := &protocol.StatsReport{
		ClientID:  w.ID(),
		Stats:     w.lifetime.Snapshot(),
		TaskID:    taskID,
		TaskStats: &snapshot,
		Final:     true,
	}
	if err := socket.Send(w.ID(), protocol.MessageTypeStats, report); err != nil {
		logging.Logger.Warnf("final report for task %s failed: %s", taskID, err)
	}
}

// reportLoop sends one stats frame per running task on every tick.
func (w *Worker) reportLoop(ctx context.Context, socket *protocol.Socket) error {
	ticker := time.NewTicker(w.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.runs.Count() == 0 {
				continue
			}
			lifetime := w.lifetime.Snapshot()
			for item := range w.runs.IterBuffered() {
				taskStats := item.Val.aggregator.Snapshot()
				report := &protocol.StatsReport{
					ClientID:  w.ID(),
					Stats:     lifetime,
					TaskID:    item.Key,
					TaskStats: &taskStats,
				}
				if err := socket.Send(w.ID(), protocol.MessageTypeStats, report); err != nil {
					return fmt.Errorf("send stats: %w", err)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
