package managers

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu     sync.Mutex
	addr   string
	dead   bool
	closed bool
	frames [][]byte
	pings  int
}

func newFakeLink(addr string) *fakeLink {
	return &fakeLink{addr: addr}
}

func (l *fakeLink) Deliver(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead || l.closed {
		return protocol.ErrConnectionClosed
	}
	l.frames = append(l.frames, frame)
	return nil
}

func (l *fakeLink) Ping() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pings++
	return nil
}

func (l *fakeLink) Close(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) RemoteAddr() string {
	return l.addr
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) frameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func newTestManager(now *time.Time) *WorkerManager {
	m := NewWorkerManager(30 * time.Second)
	m.now = func() time.Time { return *now }
	return m
}

func TestSweepEvictsStaleWorkers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	staleLink := newFakeLink("10.0.0.1:1000")
	freshLink := newFakeLink("10.0.0.2:1000")

	now = now.Add(-31 * time.Second)
	staleID := m.OnConnect(staleLink)
	now = now.Add(2 * time.Second)
	freshID := m.OnConnect(freshLink)
	now = now.Add(29 * time.Second)

	evicted := m.Sweep(now)
	require.Equal(t, []string{staleID}, evicted)
	require.True(t, staleLink.isClosed())
	require.False(t, freshLink.isClosed())

	_, ok := m.GetClient(freshID)
	require.True(t, ok)
	_, ok = m.GetClient(staleID)
	require.False(t, ok)
}

func TestActivityKeepsWorkerAlive(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	link := newFakeLink("10.0.0.1:1000")
	id := m.OnConnect(link)

	now = now.Add(25 * time.Second)
	m.OnActivity(id, link)
	now = now.Add(25 * time.Second)

	require.Empty(t, m.Sweep(now))
	require.Equal(t, 1, m.Count())
}

func TestLastActiveOnlyMovesForward(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	link := newFakeLink("10.0.0.1:1000")
	id := m.OnConnect(link)
	before, _ := m.GetClient(id)

	now = now.Add(-time.Minute)
	m.OnActivity(id, link)

	after, _ := m.GetClient(id)
	require.Equal(t, before.LastActive, after.LastActive)
}

func TestBroadcastRemovesDeadWorkers(t *testing.T) {
	now := time.Now()
	m := newTestManager(&now)

	links := []*fakeLink{newFakeLink("a"), newFakeLink("b"), newFakeLink("c")}
	ids := make([]string, len(links))
	for i, link := range links {
		ids[i] = m.OnConnect(link)
	}
	links[1].dead = true

	result := m.BroadcastTask([]byte(`{"type":"task"}`))
	require.Equal(t, 2, result.Delivered)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], ids[1])

	require.Equal(t, 2, m.Count())
	_, ok := m.GetClient(ids[1])
	require.False(t, ok)
	require.True(t, links[1].isClosed())
	require.Equal(t, 1, links[0].frameCount())
	require.Equal(t, 1, links[2].frameCount())
}

func TestRegisterRekeysRecord(t *testing.T) {
	now := time.Now()
	m := newTestManager(&now)

	link := newFakeLink("10.0.0.1:1000")
	provisional := m.OnConnect(link)

	id, err := m.OnRegister(provisional, "192.168.1.2-abcdefgh", link)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.2-abcdefgh", id)

	_, ok := m.GetClient(provisional)
	require.False(t, ok)
	info, ok := m.GetClient(id)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:1000", info.Addr)
	require.Equal(t, 1, m.Count())

	// registering again under the same identity is a no-op replace
	again, err := m.OnRegister(id, id, link)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, 1, m.Count())
}

func TestRegisterWithoutClaimKeepsAssignedID(t *testing.T) {
	now := time.Now()
	m := newTestManager(&now)

	link := newFakeLink("a")
	provisional := m.OnConnect(link)

	id, err := m.OnRegister(provisional, "", link)
	require.NoError(t, err)
	require.Equal(t, provisional, id)
}

func TestRegisterCollisionReplacesOlderConnection(t *testing.T) {
	now := time.Now()
	m := newTestManager(&now)

	oldLink := newFakeLink("old")
	oldID := m.OnConnect(oldLink)
	_, err := m.OnRegister(oldID, "worker-1", oldLink)
	require.NoError(t, err)

	newLink := newFakeLink("new")
	newID := m.OnConnect(newLink)
	_, err = m.OnRegister(newID, "worker-1", newLink)
	require.NoError(t, err)

	require.Equal(t, 1, m.Count())
	info, ok := m.GetClient("worker-1")
	require.True(t, ok)
	require.Equal(t, "new", info.Addr)
	require.True(t, oldLink.isClosed())

	// the old connection shutting down must not evict the new record
	require.False(t, m.OnDisconnect("worker-1", oldLink, "closed"))
	require.Equal(t, 1, m.Count())
	require.True(t, m.OnDisconnect("worker-1", newLink, "closed"))
	require.Zero(t, m.Count())
}

func TestRegisterUnknownWorker(t *testing.T) {
	now := time.Now()
	m := newTestManager(&now)

	_, err := m.OnRegister("missing", "worker-1", newFakeLink("a"))
	require.ErrorIs(t, err, protocol.ErrWorkerNotFound)
}

func TestOnStatsAndListClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	link := newFakeLink("a")
	id := m.OnConnect(link)
	now = now.Add(time.Second)

	m.OnStats(id, link, &protocol.StatsReport{
		Stats:     protocol.StatsSnapshot{TotalRequests: 10, SuccessCount: 9, ErrorCount: 1},
		TaskID:    "task-1",
		TaskStats: &protocol.StatsSnapshot{TotalRequests: 4},
	})

	clients := m.ListClients()
	require.Len(t, clients, 1)
	require.Equal(t, id, clients[0].ID)
	require.Equal(t, "2024-01-01T12:00:00Z", clients[0].ConnectedAt)
	require.Equal(t, "2024-01-01T12:00:01Z", clients[0].LastActive)
	require.Equal(t, uint64(10), clients[0].Stats.TotalRequests)
	require.Equal(t, "task-1", clients[0].TaskID)
	require.Equal(t, uint64(4), clients[0].TaskStats.TotalRequests)
}

func TestSendHeartbeatPingsEveryWorker(t *testing.T) {
	now := time.Now()
	m := newTestManager(&now)

	first, second := newFakeLink("a"), newFakeLink("b")
	m.OnConnect(first)
	m.OnConnect(second)

	m.SendHeartbeat()
	require.Equal(t, 1, first.pings)
	require.Equal(t, 1, second.pings)
}

func TestConcurrentChurn(t *testing.T) {
	m := NewWorkerManager(30 * time.Second)

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				link := newFakeLink("x")
				id := m.OnConnect(link)
				m.OnActivity(id, link)
				m.ListClients()
				m.BroadcastTask([]byte(`{}`))
				m.Sweep(time.Now())
				m.OnDisconnect(id, link, "closed")
			}
		}()
	}
	wg.Wait()
	require.Zero(t, m.Count())
}

func TestTaskManagerAssignsTaskID(t *testing.T) {
	now := time.Now()
	wm := newTestManager(&now)
	tm := NewTaskManager()
	tm.SetWorkerManager(wm)

	link := newFakeLink("a")
	wm.OnConnect(link)

	task := &protocol.TaskConfig{URL: "http://127.0.0.1:9000", Method: "GET", Duration: 1}
	result, err := tm.OnAssignAll(task)
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)
	require.NotEmpty(t, result.TaskID)
	require.Empty(t, task.TaskID)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(link.frames[0], &frame))
	require.Equal(t, "task", frame["type"])
	require.Equal(t, result.TaskID, frame["task_id"])
	require.Equal(t, "http://127.0.0.1:9000", frame["url"])

	stats := tm.GetStatistics()
	require.Equal(t, uint64(1), stats.Broadcasts)
	require.Equal(t, uint64(1), stats.Delivered)

	_, err = tm.OnAssignAll(&protocol.TaskConfig{Duration: 1})
	require.ErrorIs(t, err, protocol.ErrInvalidTask)
}
