package utils

import (
	"github.com/darenliang/loadswarm-go/lib/protocol"
)

// ClientInfo is one entry of GET /clients.
type ClientInfo struct {
	ID          string                  `json:"id"`
	Addr        string                  `json:"addr"`
	ConnectedAt string                  `json:"connected_at"`
	LastActive  string                  `json:"last_active"`
	Stats       protocol.StatsSnapshot  `json:"stats"`
	TaskID      string                  `json:"task_id,omitempty"`
	TaskStats   *protocol.StatsSnapshot `json:"task_stats,omitempty"`
}

// BroadcastResult is the body of a POST /assign_all response.
type BroadcastResult struct {
	Message   string   `json:"message"`
	TaskID    string   `json:"task_id"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

type TaskManagerStatistics struct {
	Broadcasts uint64 `json:"broadcasts"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

type WorkerManagerStatistics struct {
	Connected int `json:"connected"`
}

type DispatcherStatistics struct {
	TaskManager   *TaskManagerStatistics   `json:"task_manager"`
	WorkerManager *WorkerManagerStatistics `json:"worker_manager"`
}
