package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

const writeTimeout = 5 * time.Second

// Journal writes the global event stream and task outcomes to a Repository.
// Write failures are logged and counted, never propagated to the stream.
type Journal struct {
	repo     Repository
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewJournal creates a new journal over repo.
func NewJournal(repo Repository, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		repo:     repo,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		done:     make(chan struct{}),
	}
}

// Start journals events until ctx is done, Stop is called or events closes.
func (j *Journal) Start(ctx context.Context, events <-chan types.OrderEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("journal already running")
	}
	j.running = true

	j.wg.Add(1)
	go j.loop(ctx, events)
	j.logger.Info("journal started")
	return nil
}

// Stop stops journaling and waits for the pending write.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.done)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped")
}

func (j *Journal) loop(ctx context.Context, events <-chan types.OrderEvent) {
	defer j.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			j.Record(ev)
		}
	}
}

// Record journals one event and the resulting order snapshot.
func (j *Journal) Record(ev types.OrderEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := j.repo.SaveEvent(ctx, NewEventRecord(ev)); err != nil {
		j.fail("save_event", err, "order_id", ev.OrderID(), "kind", ev.Kind)
		return
	}
	if ev.Order == nil {
		return
	}
	if err := j.repo.SaveOrder(ctx, NewOrderSnapshot(ev.Order)); err != nil {
		j.fail("save_order", err, "order_id", ev.OrderID())
	}
}

// TaskStarted records t as pending.
func (j *Journal) TaskStarted(t *task.Task) {
	j.saveTask(TaskRecord{
		ID:        t.ID(),
		Operation: t.Operation(),
		Status:    TaskPending,
		StartedAt: t.Started(),
	})
}

// TaskFinished records the outcome of t.
func (j *Journal) TaskFinished(t *task.Task) {
	events, err := t.Result()
	finished := t.Started().Add(t.Duration())

	rec := TaskRecord{
		ID:         t.ID(),
		Operation:  t.Operation(),
		Status:     taskStatus(t, err),
		StartedAt:  t.Started(),
		FinishedAt: &finished,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	for _, ev := range events {
		rec.Events = append(rec.Events, EventSummary{OrderID: ev.OrderID(), Kind: ev.Kind.String()})
	}
	j.saveTask(rec)
}

func (j *Journal) saveTask(rec TaskRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := j.repo.SaveTask(ctx, rec); err != nil {
		j.fail("save_task", err, "task_id", rec.ID, "operation", rec.Operation)
	}
}

func (j *Journal) fail(op string, err error, args ...any) {
	j.recorder.RecordError("journal_" + op)
	j.logger.Error("journal write failed", append([]any{"op", op, "err", err}, args...)...)
}

func taskStatus(t *task.Task, err error) TaskStatus {
	switch {
	case err == nil:
		return TaskSucceeded
	case t.Canceled() || errors.Is(err, context.Canceled):
		return TaskCanceled
	default:
		return TaskFailed
	}
}
