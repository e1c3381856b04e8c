package managers

import (
	"fmt"
	"sync/atomic"

	"github.com/darenliang/loadswarm-go/lib/dispatcher/utils"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/metrics"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/google/uuid"
)

// TaskManager stamps and broadcasts tasks. Tasks are fire-and-forget: there
// is no queue and no per-worker task bookkeeping.
type TaskManager struct {
	workerManager  *WorkerManager
	broadcastCount uint64
	deliveredCount uint64
	failedCount    uint64
}

func NewTaskManager() *TaskManager {
	return &TaskManager{}
}

func (m *TaskManager) SetWorkerManager(workerManager *WorkerManager) {
	m.workerManager = workerManager
}

func (m *TaskManager) GetStatistics() *utils.TaskManagerStatistics {
	return &utils.TaskManagerStatistics{
		Broadcasts: atomic.LoadUint64(&m.broadcastCount),
		Delivered:  atomic.LoadUint64(&m.deliveredCount),
		Failed:     atomic.LoadUint64(&m.failedCount),
	}
}

// OnAssignAll validates task, assigns a task id when it has none and
// broadcasts it to every registered worker.
func (m *TaskManager) OnAssignAll(task *protocol.TaskConfig) (*utils.BroadcastResult, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		task = task.Clone()
		task.TaskID = uuid.New().String()
	}

	logging.LogSendProtocolMessage("broadcast", protocol.MessageTypeTask, task)
	frame, err := protocol.PackMessage(protocol.MessageTypeTask, task)
	if err != nil {
		return nil, err
	}

	result := m.workerManager.BroadcastTask(frame)
	result.TaskID = task.TaskID
	if result.Failed > 0 {
		result.Message = fmt.Sprintf("task %s sent to %d workers, delivered: %d, failed: %d",
			task.TaskID, result.Delivered+result.Failed, result.Delivered, result.Failed)
	} else {
		result.Message = fmt.Sprintf("task %s delivered to %d workers", task.TaskID, result.Delivered)
	}

	atomic.AddUint64(&m.broadcastCount, 1)
	atomic.AddUint64(&m.deliveredCount, uint64(result.Delivered))
	atomic.AddUint64(&m.failedCount, uint64(result.Failed))
	metrics.TaskBroadcastsTotal.Inc()
	logging.Logger.Info(result.Message)

	return result, nil
}
