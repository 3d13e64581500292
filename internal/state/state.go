// Package state holds what task views currently see. State only changes by
// reducing actions produced from completed task store requests.
package state

import (
	"taskdeck/internal/domain"
)

// State is treated as immutable: Reduce always returns a fresh value and never
// modifies the slices of its input.
type State struct {
	Tasks    []domain.Task
	Selected *domain.Task
	Loading  bool
	Err      error
}

type ActionType string

const (
	LoadTasks        ActionType = "load-tasks"
	LoadTasksSuccess ActionType = "load-tasks-success"
	LoadTasksFailure ActionType = "load-tasks-failure"

	LoadTask        ActionType = "load-task"
	LoadTaskSuccess ActionType = "load-task-success"
	LoadTaskFailure ActionType = "load-task-failure"

	AddTask        ActionType = "add-task"
	AddTaskSuccess ActionType = "add-task-success"
	AddTaskFailure ActionType = "add-task-failure"

	UpdateTask        ActionType = "update-task"
	UpdateTaskSuccess ActionType = "update-task-success"
	UpdateTaskFailure ActionType = "update-task-failure"

	MarkCompleted        ActionType = "mark-completed"
	MarkCompletedSuccess ActionType = "mark-completed-success"
	MarkCompletedFailure ActionType = "mark-completed-failure"

	DeleteTask        ActionType = "delete-task"
	DeleteTaskSuccess ActionType = "delete-task-success"
	DeleteTaskFailure ActionType = "delete-task-failure"

	SelectTask ActionType = "select-task"
)

// Action is one state transition. Only the fields relevant to Type are set.
type Action struct {
	Type  ActionType
	ID    string
	Task  *domain.Task
	Tasks []domain.Task
	Err   error
}

// Reduce returns the state that follows s after a.
func Reduce(s State, a Action) State {
	switch a.Type {
	case LoadTasks, LoadTask, AddTask, UpdateTask, MarkCompleted, DeleteTask:
		s.Loading = true
		s.Err = nil
	case LoadTasksFailure, LoadTaskFailure, AddTaskFailure, UpdateTaskFailure, MarkCompletedFailure, DeleteTaskFailure:
		s.Loading = false
		s.Err = a.Err
	case LoadTasksSuccess:
		s.Tasks = clone(a.Tasks)
		s.Loading = false
	case LoadTaskSuccess:
		s.Selected = copyTask(a.Task)
		s.Loading = false
	case AddTaskSuccess:
		if a.Task != nil {
			tasks := make([]domain.Task, 0, len(s.Tasks)+1)
			s.Tasks = append(append(tasks, s.Tasks...), *a.Task)
		}
		s.Loading = false
	case UpdateTaskSuccess, MarkCompletedSuccess:
		if a.Task != nil {
			s.Tasks = replace(s.Tasks, *a.Task)
			if s.Selected != nil && s.Selected.ID == a.Task.ID {
				s.Selected = copyTask(a.Task)
			}
		}
		s.Loading = false
	case DeleteTaskSuccess:
		s.Tasks = remove(s.Tasks, a.ID)
		if s.Selected != nil && s.Selected.ID == a.ID {
			s.Selected = nil
		}
		s.Loading = false
	case SelectTask:
		s.Selected = copyTask(a.Task)
	}
	return s
}

// AllTasks returns the tasks in insertion order.
func (s State) AllTasks() []domain.Task {
	return clone(s.Tasks)
}

func (s State) PendingTasks() []domain.Task {
	return domain.FilterByStatus(s.Tasks, domain.StatusPending)
}

func (s State) CompletedTasks() []domain.Task {
	return domain.FilterByStatus(s.Tasks, domain.StatusCompleted)
}

func (s State) SelectedTask() *domain.Task {
	return copyTask(s.Selected)
}

func clone(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return []domain.Task{}
	}
	return append(make([]domain.Task, 0, len(tasks)), tasks...)
}

func copyTask(t *domain.Task) *domain.Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func replace(tasks []domain.Task, t domain.Task) []domain.Task {
	out := clone(tasks)
	for i := range out {
		if out[i].ID == t.ID {
			out[i] = t
		}
	}
	return out
}

func remove(tasks []domain.Task, id string) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
