package managers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/darenliang/loadswarm-go/lib/dispatcher/utils"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/metrics"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/google/uuid"
)

// Link is the registry's handle on one worker connection.
type Link interface {
	// Deliver queues a frame without blocking. An error means the peer is gone.
	Deliver(frame []byte) error
	Ping() error
	Close(reason string) error
	RemoteAddr() string
}

type WorkerRecord struct {
	ID          string
	Addr        string
	ConnectedAt time.Time
	LastActive  time.Time
	Stats       protocol.StatsSnapshot
	TaskID      string
	TaskStats   *protocol.StatsSnapshot
	link        Link
}

func (r *WorkerRecord) touch(now time.Time) {
	if now.After(r.LastActive) {
		r.LastActive = now
	}
}

func (r *WorkerRecord) info() utils.ClientInfo {
	info := utils.ClientInfo{
		ID:          r.ID,
		Addr:        r.Addr,
		ConnectedAt: r.ConnectedAt.UTC().Format(time.RFC3339),
		LastActive:  r.LastActive.UTC().Format(time.RFC3339),
		Stats:       r.Stats,
		TaskID:      r.TaskID,
	}
	if r.TaskStats != nil {
		taskStats := *r.TaskStats
		info.TaskStats = &taskStats
	}
	return info
}

// WorkerManager is the dispatcher's registry of connected workers. A single
// lock guards membership and every record's last-activity timestamp, so the
// sweep and inbound frame handlers never interleave on the same record.
type WorkerManager struct {
	mu            sync.RWMutex
	workerTimeout time.Duration
	now           func() time.Time
	workers       map[string]*WorkerRecord
}

func NewWorkerManager(workerTimeout time.Duration) *WorkerManager {
	return &WorkerManager{
		workerTimeout: workerTimeout,
		now:           time.Now,
		workers:       make(map[string]*WorkerRecord),
	}
}

func generateWorkerID() string {
	return fmt.Sprintf("client-%s", uuid.New().String())
}

// OnConnect opens a record for link under a provisional identity.
func (m *WorkerManager) OnConnect(link Link) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	workerID := generateWorkerID()
	for {
		if _, ok := m.workers[workerID]; !ok {
			break
		}
		workerID = generateWorkerID()
	}

	now := m.now()
	m.workers[workerID] = &WorkerRecord{
		ID:          workerID,
		Addr:        link.RemoteAddr(),
		ConnectedAt: now,
		LastActive:  now,
		link:        link,
	}
	metrics.WorkersConnected.Inc()
	logging.Logger.Infof("worker %s connected from %s", workerID, link.RemoteAddr())
	return workerID
}

// OnRegister re-keys the record owned by link from workerID to claimedID and
// returns the identity the worker must use from now on. An empty claim keeps
// the dispatcher's identity. If another connection holds claimedID it is
// replaced and closed.
func (m *WorkerManager) OnRegister(workerID, claimedID string, link Link) (string, error) {
	var replaced Link

	m.mu.Lock()
	record, ok := m.workers[workerID]
	if !ok || record.link != link {
		m.mu.Unlock()
		return "", protocol.ErrWorkerNotFound
	}
	record.touch(m.now())

	if claimedID == "" || claimedID == workerID {
		m.mu.Unlock()
		return workerID, nil
	}

	if existing, ok := m.workers[claimedID]; ok && existing.link != link {
		replaced = existing.link
		metrics.RecordEviction(metrics.ReasonReplaced)
	}
	delete(m.workers, workerID)
	record.ID = claimedID
	m.workers[claimedID] = record
	m.mu.Unlock()

	logging.Logger.Infof("worker %s registered as %s", workerID, claimedID)
	if replaced != nil {
		logging.Logger.Warnf("worker %s re-registered, closing previous connection", claimedID)
		logging.CheckError(replaced.Close("replaced by a newer connection"))
	}
	return claimedID, nil
}

// OnActivity moves the record's last-activity timestamp forward.
func (m *WorkerManager) OnActivity(workerID string, link Link) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.workers[workerID]; ok && record.link == link {
		record.touch(m.now())
	}
}

func (m *WorkerManager) OnStats(workerID string, link Link, report *protocol.StatsReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.workers[workerID]
	if !ok || record.link != link {
		return
	}
	record.touch(m.now())
	record.Stats = report.Stats
	if report.TaskStats != nil {
		taskStats := *report.TaskStats
		record.TaskID = report.TaskID
		record.TaskStats = &taskStats
	}
}

// OnDisconnect removes the record if it still belongs to link. A connection
// whose identity was taken over by a newer connection removes nothing.
func (m *WorkerManager) OnDisconnect(workerID string, link Link, reason string) bool {
	m.mu.Lock()
	record, ok := m.workers[workerID]
	if !ok || record.link != link {
		m.mu.Unlock()
		return false
	}
	delete(m.workers, workerID)
	m.mu.Unlock()

	metrics.RecordEviction(reason)
	logging.Logger.Infof("worker %s disconnected (%s)", workerID, reason)
	return true
}

// Sweep evicts and closes every worker silent for longer than the worker
// timeout, returning the evicted identities.
func (m *WorkerManager) Sweep(now time.Time) []string {
	deadWorkerIDs := make([]string, 0)
	deadLinks := make([]Link, 0)

	m.mu.Lock()
	for workerID, record := range m.workers {
		if now.Sub(record.LastActive) > m.workerTimeout {
			deadWorkerIDs = append(deadWorkerIDs, workerID)
			deadLinks = append(deadLinks, record.link)
			delete(m.workers, workerID)
		}
	}
	m.mu.Unlock()

	for i, link := range deadLinks {
		metrics.RecordEviction(metrics.ReasonTimeout)
		logging.Logger.Warnf("worker %s heartbeat timed out", deadWorkerIDs[i])
		logging.CheckError(link.Close("heartbeat timeout"))
	}
	return deadWorkerIDs
}

func (m *WorkerManager) RunGC(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	for {
		select {
		case <-time.After(interval):
			deadWorkerIDs := m.Sweep(m.now())
			if len(deadWorkerIDs) > 0 {
				logging.Logger.Infof("worker manager GC removed %d inactive workers", len(deadWorkerIDs))
			}
		case <-ctx.Done():
			logging.Logger.Info("worker manager GC stopped")
			wg.Done()
			return
		}
	}
}

// SendHeartbeat pushes a protocol-level ping to every live connection.
func (m *WorkerManager) SendHeartbeat() {
	m.mu.RLock()
	targets := make(map[string]Link, len(m.workers))
	for workerID, record := range m.workers {
		targets[workerID] = record.link
	}
	m.mu.RUnlock()

	for workerID, link := range targets {
		if err := link.Ping(); err != nil {
			logging.Logger.Warnf("heartbeat to worker %s failed: %s", workerID, err)
		}
	}
}

func (m *WorkerManager) RunHeartbeat(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	for {
		select {
		case <-time.After(interval):
			m.SendHeartbeat()
		case <-ctx.Done():
			logging.Logger.Info("worker manager heartbeat stopped")
			wg.Done()
			return
		}
	}
}

// BroadcastTask delivers frame to every registered worker. Workers whose
// delivery fails are removed within the same critical section.
func (m *WorkerManager) BroadcastTask(frame []byte) *utils.BroadcastResult {
	result := &utils.BroadcastResult{Errors: make([]string, 0)}
	deadLinks := make([]Link, 0)

	m.mu.Lock()
	for workerID, record := range m.workers {
		if err := record.link.Deliver(frame); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("worker %s: %s", workerID, err))
			deadLinks = append(deadLinks, record.link)
			delete(m.workers, workerID)
			metrics.RecordDelivery(false)
			continue
		}
		result.Delivered++
		metrics.RecordDelivery(true)
	}
	m.mu.Unlock()

	for _, link := range deadLinks {
		metrics.RecordEviction(metrics.ReasonSendFailure)
		logging.CheckError(link.Close("task delivery failed"))
	}
	return result
}

// ListClients returns a snapshot of every live record.
func (m *WorkerManager) ListClients() []utils.ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]utils.ClientInfo, 0, len(m.workers))
	for _, record := range m.workers {
		clients = append(clients, record.info())
	}
	return clients
}

func (m *WorkerManager) GetClient(workerID string) (utils.ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.workers[workerID]
	if !ok {
		return utils.ClientInfo{}, false
	}
	return record.info(), true
}

func (m *WorkerManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

func (m *WorkerManager) GetStatistics() *utils.WorkerManagerStatistics {
	return &utils.WorkerManagerStatistics{Connected: m.Count()}
}
