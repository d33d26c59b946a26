package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
	"github.com/adityacheruku/kuchlu-sub000/internal/netmon"
	"github.com/adityacheruku/kuchlu-sub000/internal/store"
)

// Priority bands for upload tasks. Lower values start first.
const (
	PriorityUrgent = 0 // voice notes, mood snaps
	PriorityNormal = 1 // photos
	PriorityBulk   = 2 // video, documents
)

// Compressor optionally transforms a staged file before upload (image
// downscaling, audio transcoding). Nil disables the compressing stage.
type Compressor interface {
	Compress(ctx context.Context, path, mediaKind string) (string, error)
}

// Progress is the payload of upload.progress bus events.
type Progress struct {
	TaskID    string
	State     string
	Percent   int
	ResultRef string
	Error     string
}

// Params describes one upload to enqueue.
type Params struct {
	ChatID          string
	TargetMessageID string
	FilePath        string
	MediaKind       string
	Priority        int
}

// Manager runs the upload queue: priority-ordered starts, a concurrency
// limit that follows network quality, per-task cancellation, and a durable
// mirror in the store so interrupted work restarts from scratch after a
// crash. All queue state is confined to the actor goroutine.
type Manager struct {
	db         *store.DB
	uploader   Uploader
	compressor Compressor
	bus        *bus.Bus
	mon        *netmon.Monitor
	logger     *zap.Logger

	cmds chan func()
	done chan struct{}

	// actor-owned
	queue       []*store.UploadTask
	running     map[string]context.CancelFunc
	limit       int
	unsubscribe func()
}

// NewManager creates a manager. The concurrency limit seeds from the
// monitor's current class and then follows quality change events.
func NewManager(db *store.DB, uploader Uploader, compressor Compressor, b *bus.Bus, mon *netmon.Monitor, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:         db,
		uploader:   uploader,
		compressor: compressor,
		bus:        b,
		mon:        mon,
		logger:     logger,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		running:    make(map[string]context.CancelFunc),
	}
}

// Start recovers interrupted tasks from the previous process and begins
// the actor loop. Recovery resets any task caught mid-flight back to
// pending: a partial upload is never resumed, only restarted.
func (m *Manager) Start() error {
	if err := m.db.ResetInterruptedUploads(); err != nil {
		return fmt.Errorf("reset interrupted uploads: %w", err)
	}
	tasks, err := m.db.ListUploadTasks()
	if err != nil {
		return fmt.Errorf("load upload queue: %w", err)
	}
	for i := range tasks {
		if tasks[i].State == store.UploadPending {
			t := tasks[i]
			m.queue = append(m.queue, &t)
		}
	}

	if m.mon != nil {
		m.limit = netmon.ConcurrencyFor(m.mon.Current())
	}

	ch, cancel := m.bus.Subscribe(bus.KindQualityChanged, 16)
	m.unsubscribe = cancel

	go m.loop()
	go m.forwardQuality(ch)
	m.post(func() { m.pump() }) // recovered tasks
	return nil
}

// Close stops the actor. Running uploads are cancelled; recovery marks
// them pending again on the next start.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Enqueue registers a new upload and returns its task id. The durable
// record is written before the task becomes visible to the queue.
func (m *Manager) Enqueue(p Params) (string, error) {
	task := &store.UploadTask{
		ID:              uuid.NewString(),
		ChatID:          p.ChatID,
		TargetMessageID: p.TargetMessageID,
		FilePath:        p.FilePath,
		MediaKind:       p.MediaKind,
		Priority:        p.Priority,
		State:           store.UploadPending,
		CreatedAt:       time.Now().UnixMilli(),
	}
	if err := m.db.SaveUploadTask(task); err != nil {
		return "", fmt.Errorf("persist upload task: %w", err)
	}
	m.publish(task.ID, store.UploadPending, 0, "", "")

	m.post(func() {
		m.queue = append(m.queue, task)
		m.pump()
	})
	return task.ID, nil
}

// Cancel stops a task wherever it is: a queued task is removed, a running
// one has its context cancelled, and a failed task parked in the durable
// queue is evicted. Completed tasks are left alone.
func (m *Manager) Cancel(taskID string) {
	m.post(func() {
		if cancel, ok := m.running[taskID]; ok {
			cancel()
			return // the worker observes cancellation and records the state
		}
		for i, t := range m.queue {
			if t.ID == taskID {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				m.evict(taskID, store.UploadCancelled, "")
				return
			}
		}
		// Not in memory: a failed task awaiting retry only exists in the
		// durable queue.
		tasks, err := m.db.ListUploadTasks()
		if err != nil {
			m.logger.Error("load upload queue", zap.Error(err))
			return
		}
		for i := range tasks {
			if tasks[i].ID == taskID && tasks[i].State == store.UploadFailed {
				m.evict(taskID, store.UploadCancelled, "")
				return
			}
		}
	})
}

// Retry re-enqueues a failed task from scratch. Only failed tasks are
// eligible; a task that is already queued or in flight must not be run a
// second time.
func (m *Manager) Retry(taskID string) error {
	matched, err := m.db.IncrementUploadRetry(taskID)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("retry: upload task %s is not in a failed state", taskID)
	}
	tasks, err := m.db.ListUploadTasks()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].ID == taskID {
			t := tasks[i]
			t.State = store.UploadPending
			t.Progress = 0
			m.publish(t.ID, store.UploadPending, 0, "", "")
			m.post(func() {
				m.queue = append(m.queue, &t)
				m.pump()
			})
			return nil
		}
	}
	return fmt.Errorf("retry: unknown upload task %s", taskID)
}

func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			for _, cancel := range m.running {
				cancel()
			}
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

// forwardQuality routes quality changes through the command channel so
// limit updates are ordered after enqueues already posted.
func (m *Manager) forwardQuality(events <-chan bus.Event) {
	for {
		select {
		case <-m.done:
			return
		case evt := <-events:
			change, ok := evt.Payload.(netmon.Change)
			if !ok {
				continue
			}
			m.post(func() {
				m.limit = netmon.ConcurrencyFor(change.To)
				// Degradation never interrupts running uploads; it only
				// stops new starts. Improvement re-pumps immediately.
				m.pump()
			})
		}
	}
}

// pump starts queued tasks while slots are free, best priority first.
func (m *Manager) pump() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].Priority != m.queue[j].Priority {
			return m.queue[i].Priority < m.queue[j].Priority
		}
		return m.queue[i].CreatedAt < m.queue[j].CreatedAt
	})
	for len(m.queue) > 0 && len(m.running) < m.limit {
		task := m.queue[0]
		m.queue = m.queue[1:]
		m.startTask(task)
	}
}

func (m *Manager) startTask(task *store.UploadTask) {
	ctx, cancel := context.WithCancel(context.Background())
	m.running[task.ID] = cancel

	go func() {
		ref, err := m.run(ctx, task)
		m.post(func() {
			delete(m.running, task.ID)
			m.record(task, ref, err)
			m.pump()
		})
	}()
}

// run executes one attempt of the task lifecycle in a worker goroutine.
func (m *Manager) run(ctx context.Context, task *store.UploadTask) (string, error) {
	m.setState(task.ID, store.UploadProcessing, 0)

	path := task.FilePath
	if m.compressor != nil {
		m.setState(task.ID, store.UploadCompressing, 0)
		compressed, err := m.compressor.Compress(ctx, path, task.MediaKind)
		if err != nil {
			return "", err
		}
		path = compressed
	}

	m.setState(task.ID, store.UploadUploading, 0)
	attempt := *task
	attempt.FilePath = path
	ref, err := m.uploader.Upload(ctx, &attempt, func(pct int) {
		m.setState(task.ID, store.UploadUploading, pct)
	})
	if err != nil {
		return "", err
	}
	// Bytes are on the server; the asset is transcoded remotely before
	// the reference resolves.
	m.setState(task.ID, store.UploadPendingProcessing, 100)
	return ref, nil
}

// record writes the terminal outcome of an attempt. Terminal states and
// non-retryable failures are evicted from the durable queue immediately;
// only retryable failures stay, awaiting a user retry. Runs on the actor.
func (m *Manager) record(task *store.UploadTask, ref string, err error) {
	switch {
	case err == nil:
		if dbErr := m.db.DeleteUploadTask(task.ID); dbErr != nil {
			m.logger.Error("evict upload task", zap.String("task_id", task.ID), zap.Error(dbErr))
		}
		m.publish(task.ID, store.UploadCompleted, 100, ref, "")
	case errors.Is(err, context.Canceled):
		m.evict(task.ID, store.UploadCancelled, "")
	default:
		fault := classify(err)
		m.logger.Warn("upload failed",
			zap.String("task_id", task.ID),
			zap.Bool("retryable", fault.Retryable),
			zap.Error(fault.Err))
		if fault.Retryable {
			if dbErr := m.db.UpdateUploadState(task.ID, store.UploadFailed, 0, fault.Err.Error(), true); dbErr != nil {
				m.logger.Error("update upload state", zap.String("task_id", task.ID), zap.Error(dbErr))
			}
			m.publish(task.ID, store.UploadFailed, 0, "", fault.Err.Error())
		} else {
			m.evict(task.ID, store.UploadFailed, fault.Err.Error())
		}
	}
}

// setState persists a non-terminal lifecycle step and mirrors it on the bus.
func (m *Manager) setState(taskID, state string, pct int) {
	if err := m.db.UpdateUploadState(taskID, state, pct, "", false); err != nil {
		m.logger.Error("update upload state", zap.String("task_id", taskID), zap.Error(err))
	}
	m.publish(taskID, state, pct, "", "")
}

// evict drops the durable record and announces the final state.
func (m *Manager) evict(taskID, state, errMsg string) {
	if err := m.db.DeleteUploadTask(taskID); err != nil {
		m.logger.Error("evict upload task", zap.String("task_id", taskID), zap.Error(err))
	}
	m.publish(taskID, state, 0, "", errMsg)
}

func (m *Manager) publish(taskID, state string, pct int, ref, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUploadProgress,
		Timestamp: time.Now(),
		Payload:   Progress{TaskID: taskID, State: state, Percent: pct, ResultRef: ref, Error: errMsg},
	})
}
