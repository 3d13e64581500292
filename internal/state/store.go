package state

import (
	"context"
	"sync"

	"taskdeck/internal/domain"
	"taskdeck/internal/engine"
)

// TaskService is the task store a Store issues requests against. engine.Engine implements it.
type TaskService interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, opts engine.TaskCreateOptions) (domain.Task, error)
	UpdateTask(ctx context.Context, opts engine.TaskUpdateOptions) (domain.Task, error)
	MarkCompleted(ctx context.Context, id, actorID string) (domain.Task, error)
	DeleteTask(ctx context.Context, id, actorID string) (bool, error)
}

// Store holds the current State and notifies subscribers after every transition.
//
// Request methods dispatch their request action before returning and apply the
// outcome from a goroutine once the task store call completes. Outcomes are
// applied in completion order. Issued requests run to completion even if the
// caller's context is cancelled. Subscribers run while the store is dispatching
// and must not call Dispatch or a request method themselves.
type Store struct {
	svc   TaskService
	Actor string

	dispatchMu sync.Mutex
	mu         sync.RWMutex
	state      State
	nextSub    int
	subs       map[int]func(State)
	inflight   sync.WaitGroup
}

func NewStore(svc TaskService) *Store {
	return &Store{
		svc:   svc,
		state: State{Tasks: []domain.Task{}},
		subs:  make(map[int]func(State)),
	}
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dispatch reduces a into the current state and notifies subscribers.
func (s *Store) Dispatch(a Action) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	s.state = Reduce(s.state, a)
	next := s.state
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// Subscribe registers fn for state changes. The returned func removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Wait blocks until every issued request has applied its outcome.
func (s *Store) Wait() {
	s.inflight.Wait()
}

func (s *Store) run(ctx context.Context, request Action, call func(context.Context) Action) {
	s.inflight.Add(1)
	s.Dispatch(request)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		s.Dispatch(call(ctx))
	}()
}

func (s *Store) LoadTasks(ctx context.Context) {
	s.run(ctx, Action{Type: LoadTasks}, func(ctx context.Context) Action {
		tasks, err := s.svc.ListTasks(ctx)
		if err != nil {
			return Action{Type: LoadTasksFailure, Err: err}
		}
		return Action{Type: LoadTasksSuccess, Tasks: tasks}
	})
}

func (s *Store) LoadTask(ctx context.Context, id string) {
	s.run(ctx, Action{Type: LoadTask, ID: id}, func(ctx context.Context) Action {
		t, err := s.svc.GetTask(ctx, id)
		if err != nil {
			return Action{Type: LoadTaskFailure, ID: id, Err: err}
		}
		return Action{Type: LoadTaskSuccess, ID: id, Task: &t}
	})
}

func (s *Store) AddTask(ctx context.Context, title, description string) {
	s.run(ctx, Action{Type: AddTask}, func(ctx context.Context) Action {
		t, err := s.svc.CreateTask(ctx, engine.TaskCreateOptions{Title: title, Description: description, ActorID: s.Actor})
		if err != nil {
			return Action{Type: AddTaskFailure, Err: err}
		}
		return Action{Type: AddTaskSuccess, ID: t.ID, Task: &t}
	})
}

// UpdateTask merges the non-nil fields of opts. opts.ActorID defaults to the store's Actor.
func (s *Store) UpdateTask(ctx context.Context, opts engine.TaskUpdateOptions) {
	if opts.ActorID == "" {
		opts.ActorID = s.Actor
	}
	s.run(ctx, Action{Type: UpdateTask, ID: opts.ID}, func(ctx context.Context) Action {
		t, err := s.svc.UpdateTask(ctx, opts)
		if err != nil {
			return Action{Type: UpdateTaskFailure, ID: opts.ID, Err: err}
		}
		return Action{Type: UpdateTaskSuccess, ID: t.ID, Task: &t}
	})
}

func (s *Store) MarkCompleted(ctx context.Context, id string) {
	s.run(ctx, Action{Type: MarkCompleted, ID: id}, func(ctx context.Context) Action {
		t, err := s.svc.MarkCompleted(ctx, id, s.Actor)
		if err != nil {
			return Action{Type: MarkCompletedFailure, ID: id, Err: err}
		}
		return Action{Type: MarkCompletedSuccess, ID: t.ID, Task: &t}
	})
}

func (s *Store) DeleteTask(ctx context.Context, id string) {
	s.run(ctx, Action{Type: DeleteTask, ID: id}, func(ctx context.Context) Action {
		if _, err := s.svc.DeleteTask(ctx, id, s.Actor); err != nil {
			return Action{Type: DeleteTaskFailure, ID: id, Err: err}
		}
		return Action{Type: DeleteTaskSuccess, ID: id}
	})
}

// SelectTask sets the selected task without touching the task store.
func (s *Store) SelectTask(t *domain.Task) {
	s.Dispatch(Action{Type: SelectTask, Task: t})
}

// Selectors over the current state.

func (s *Store) AllTasks() []domain.Task       { return s.State().AllTasks() }
func (s *Store) PendingTasks() []domain.Task   { return s.State().PendingTasks() }
func (s *Store) CompletedTasks() []domain.Task { return s.State().CompletedTasks() }
func (s *Store) SelectedTask() *domain.Task    { return s.State().SelectedTask() }
func (s *Store) Loading() bool                 { return s.State().Loading }
func (s *Store) Error() error                  { return s.State().Err }
