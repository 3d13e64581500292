package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"taskdeck/internal/config"
	"taskdeck/internal/domain"
	"taskdeck/internal/events"
	"taskdeck/internal/repo"
)

var (
	// ErrTaskNotFound wraps repo.ErrNotFound for task lookups.
	ErrTaskNotFound = fmt.Errorf("task %w", repo.ErrNotFound)
	// ErrInvalidTransition is returned when an update would move a completed task back to pending.
	ErrInvalidTransition = errors.New("completed tasks cannot return to pending")
)

// OpError is the generic failure reported when the persisted collection cannot be read or written.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return e.Op }
func (e *OpError) Unwrap() error { return e.Err }

func failed(op string, err error) error {
	return &OpError{Op: op, Err: err}
}

// Engine is the task store. Mutations are serialized; each call waits its
// configured latency before returning.
type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Sleep  func(context.Context, time.Duration)
	Logger *log.Logger

	mu    *sync.Mutex
	reads *singleflight.Group
}

func New(r repo.Repo, w events.Writer, cfg *config.Config) Engine {
	return Engine{
		Repo:   r,
		Events: w,
		Config: cfg,
		Now:    time.Now,
		Sleep:  sleep,
		mu:     &sync.Mutex{},
		reads:  &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) latency() config.LatencyConfig {
	if e.Config == nil {
		return config.LatencyConfig{}
	}
	return e.Config.Latency
}

func (e Engine) delay(ctx context.Context, d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(ctx, d)
		return
	}
	sleep(ctx, d)
}

func (e Engine) lock() func() {
	if e.mu == nil {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

func (e Engine) appendEvent(ctx context.Context, evtType, taskID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, "task", taskID, actorID, payload); err != nil {
		e.logger().Printf("[engine] append %s event for %s: %v", evtType, taskID, err)
	}
}

// Seed stores the configured example tasks when the collection has never been written.
// It reports how many tasks were stored.
func (e Engine) Seed(ctx context.Context) (int, error) {
	defer e.lock()()
	ok, err := e.Repo.TasksInitialized(ctx)
	if err != nil {
		return 0, fmt.Errorf("check tasks: %w", err)
	}
	if ok {
		return 0, nil
	}
	now := e.now().UTC()
	var seeds []config.SeedTask
	if e.Config != nil {
		seeds = e.Config.Seed.Tasks
	}
	tasks := make([]domain.Task, 0, len(seeds))
	for _, s := range seeds {
		status := s.Status
		if status == "" {
			status = domain.StatusPending
		}
		tasks = append(tasks, domain.Task{
			ID:          uuid.NewString(),
			Title:       s.Title,
			Description: s.Description,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := e.Repo.SaveTasks(ctx, tasks); err != nil {
		return 0, fmt.Errorf("seed tasks: %w", err)
	}
	return len(tasks), nil
}

func (e Engine) loadShared(ctx context.Context) ([]domain.Task, error) {
	if e.reads == nil {
		return e.Repo.LoadTasks(ctx)
	}
	v, err, _ := e.reads.Do(repo.TasksKey, func() (any, error) {
		return e.Repo.LoadTasks(ctx)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]domain.Task)
	return append(make([]domain.Task, 0, len(shared)), shared...), nil
}

// ListTasks returns every persisted task in insertion order.
func (e Engine) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := e.loadShared(ctx)
	if err != nil {
		return nil, failed("Failed to fetch tasks", err)
	}
	e.delay(ctx, e.latency().List)
	return tasks, nil
}

// PendingTasks filters a single ListTasks read.
func (e Engine) PendingTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := e.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return domain.FilterByStatus(tasks, domain.StatusPending), nil
}

// CompletedTasks filters a single ListTasks read.
func (e Engine) CompletedTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := e.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return domain.FilterByStatus(tasks, domain.StatusCompleted), nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := e.Repo.LoadTasks(ctx)
	if err != nil {
		return domain.Task{}, failed("Failed to fetch task", err)
	}
	i := repo.FindTask(tasks, id)
	if i < 0 {
		return domain.Task{}, ErrTaskNotFound
	}
	e.delay(ctx, e.latency().Single)
	return tasks[i], nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title       string
	Description string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := ValidateTaskInput(opts.Title, opts.Description); err != nil {
		return domain.Task{}, err
	}
	t, err := e.insertTask(ctx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	e.appendEvent(ctx, "task.created", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status})
	e.delay(ctx, e.latency().Mutate)
	return t, nil
}

func (e Engine) insertTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	defer e.lock()()
	tasks, err := e.Repo.LoadTasks(ctx)
	if err != nil {
		return domain.Task{}, failed("Failed to add task", err)
	}
	now := e.now().UTC()
	t := domain.Task{
		ID:          uuid.NewString(),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.SaveTasks(ctx, append(tasks, t)); err != nil {
		return domain.Task{}, failed("Failed to add task", err)
	}
	return t, nil
}

// TaskUpdateOptions carries the fields to merge into a task. Nil fields are left unchanged.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      *string
	ActorID     string
}

// UpdateTask merges opts into the stored task. The id and creation time never change.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	prev, t, err := e.applyUpdate(ctx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	evtType := "task.updated"
	if prev.Status != domain.StatusCompleted && t.Status == domain.StatusCompleted {
		evtType = "task.completed"
	}
	e.appendEvent(ctx, evtType, t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status})
	e.delay(ctx, e.latency().Mutate)
	return t, nil
}

func (e Engine) applyUpdate(ctx context.Context, opts TaskUpdateOptions) (domain.Task, domain.Task, error) {
	defer e.lock()()
	tasks, err := e.Repo.LoadTasks(ctx)
	if err != nil {
		return domain.Task{}, domain.Task{}, failed("Failed to update task", err)
	}
	i := repo.FindTask(tasks, opts.ID)
	if i < 0 {
		return domain.Task{}, domain.Task{}, ErrTaskNotFound
	}
	prev := tasks[i]
	next := prev
	if opts.Title != nil {
		next.Title = *opts.Title
	}
	if opts.Description != nil {
		next.Description = *opts.Description
	}
	if opts.Status != nil {
		if prev.Status == domain.StatusCompleted && *opts.Status == domain.StatusPending {
			return domain.Task{}, domain.Task{}, ErrInvalidTransition
		}
		next.Status = *opts.Status
	}
	if err := validateTask(next); err != nil {
		return domain.Task{}, domain.Task{}, err
	}
	now := e.now().UTC()
	if now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	next.UpdatedAt = now
	tasks[i] = next
	if err := e.Repo.SaveTasks(ctx, tasks); err != nil {
		return domain.Task{}, domain.Task{}, failed("Failed to update task", err)
	}
	return prev, next, nil
}

func (e Engine) MarkCompleted(ctx context.Context, id, actorID string) (domain.Task, error) {
	status := domain.StatusCompleted
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: &status, ActorID: actorID})
}

// DeleteTask removes id from the collection. Deleting an absent id succeeds and changes nothing.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) (bool, error) {
	removed, err := e.removeTask(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		e.appendEvent(ctx, "task.deleted", id, actorID, nil)
	}
	e.delay(ctx, e.latency().Mutate)
	return true, nil
}

func (e Engine) removeTask(ctx context.Context, id string) (bool, error) {
	defer e.lock()()
	tasks, err := e.Repo.LoadTasks(ctx)
	if err != nil {
		return false, failed("Failed to delete task", err)
	}
	kept := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	if err := e.Repo.SaveTasks(ctx, kept); err != nil {
		return false, failed("Failed to delete task", err)
	}
	return len(kept) != len(tasks), nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
