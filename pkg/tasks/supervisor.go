// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tasks is the durable task supervisor: it persists the rows a
// turn needs before acknowledging the request, then executes the turn on
// a bounded worker pool with a small retry budget.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/galenhq/galen/pkg/runtime"
	"github.com/galenhq/galen/pkg/storage"
)

// TaskState is the coarse lifecycle of a queued turn.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskStarted TaskState = "STARTED"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
	TaskRetry   TaskState = "RETRY"
)

// IsTerminal reports whether the state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// Defaults for the worker pool.
const (
	DefaultWorkerCount = 4
	DefaultRetryLimit  = 3
	queueCapacity      = 256
)

// ErrQueueFull is returned when the task queue cannot accept more work.
var ErrQueueFull = errors.New("task queue is full")

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// TurnRequest is an inbound chat turn.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	PatientID *int64 `json:"patient_id,omitempty"`
	RecordID  *int64 `json:"record_id,omitempty"`
}

// TurnReceipt acknowledges an accepted turn. The durable rows exist
// before the receipt is returned.
type TurnReceipt struct {
	TaskID    string    `json:"task_id"`
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Status    TaskState `json:"status"`
}

// TaskStatus is the supervisor's view of one task.
type TaskStatus struct {
	Status         TaskState `json:"status"`
	MessageID      string    `json:"message_id"`
	ContentPreview string    `json:"content_preview,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type taskEntry struct {
	state     TaskState
	messageID string
	err       string
}

// Supervisor accepts turns, persists their rows, and dispatches them to
// workers.
type Supervisor struct {
	store      *storage.Store
	runner     *runtime.Runner
	queue      chan runtime.Turn
	workers    int
	retryLimit int

	mu    sync.RWMutex
	tasks map[string]*taskEntry

	wg      sync.WaitGroup
	started bool
}

// NewSupervisor creates a supervisor. Zero workerCount and retryLimit
// fall back to defaults.
func NewSupervisor(store *storage.Store, runner *runtime.Runner, workerCount, retryLimit int) *Supervisor {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Supervisor{
		store:      store,
		runner:     runner,
		queue:      make(chan runtime.Turn, queueCapacity),
		workers:    workerCount,
		retryLimit: retryLimit,
		tasks:      make(map[string]*taskEntry),
	}
}

// Start launches the worker pool. Workers exit when the context is
// cancelled or the queue is closed.
func (s *Supervisor) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	slog.Info("Task supervisor started", "workers", s.workers, "retry_limit", s.retryLimit)
}

// Stop closes the queue and waits for in-flight turns to reach a
// terminal row.
func (s *Supervisor) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// SendTurn persists the session, the user message, and the pending
// assistant message, then enqueues the turn. The receipt is returned
// only after every row is durable.
func (s *Supervisor) SendTurn(ctx context.Context, req TurnRequest) (*TurnReceipt, error) {
	if req.Message == "" {
		return nil, errors.New("message must not be empty")
	}
	if req.UserID == "" {
		return nil, errors.New("user_id must not be empty")
	}

	now := time.Now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		session := &storage.ChatSession{
			ID:        sessionID,
			Title:     sessionTitle(req.Message),
			UserID:    req.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	} else {
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
			return nil, fmt.Errorf("failed to touch session: %w", err)
		}
	}

	userMessage := &storage.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      "user",
		Content:   req.Message,
		Status:    storage.StatusCompleted,
		CreatedAt: now,
	}
	if err := s.store.CreateMessage(ctx, userMessage); err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}

	taskID := uuid.NewString()
	assistantMessage := &storage.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      "assistant",
		Status:    storage.StatusPending,
		TaskID:    taskID,
		CreatedAt: now.Add(time.Millisecond),
	}
	if err := s.store.CreateMessage(ctx, assistantMessage); err != nil {
		return nil, fmt.Errorf("failed to create assistant message: %w", err)
	}

	turn := runtime.Turn{
		SessionID:          sessionID,
		AssistantMessageID: assistantMessage.ID,
		UserMessageID:      userMessage.ID,
		TaskID:             taskID,
		UserID:             req.UserID,
		UserMessage:        req.Message,
		PatientID:          req.PatientID,
		RecordID:           req.RecordID,
	}

	s.mu.Lock()
	s.tasks[taskID] = &taskEntry{state: TaskPending, messageID: assistantMessage.ID}
	s.mu.Unlock()

	select {
	case s.queue <- turn:
	default:
		s.setState(taskID, TaskFailure, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}

	return &TurnReceipt{
		TaskID:    taskID,
		MessageID: assistantMessage.ID,
		SessionID: sessionID,
		Status:    TaskPending,
	}, nil
}

// Status reports the task state. Falls back to the durable row for
// tasks this process does not remember, so status survives restarts.
func (s *Supervisor) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	s.mu.RLock()
	entry, ok := s.tasks[taskID]
	var snapshot taskEntry
	if ok {
		snapshot = *entry
	}
	s.mu.RUnlock()

	row, err := s.store.GetMessageByTaskID(ctx, taskID)
	if err != nil {
		if ok {
			return &TaskStatus{Status: snapshot.state, MessageID: snapshot.messageID, Error: snapshot.err}, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	status := &TaskStatus{
		MessageID:      row.ID,
		ContentPreview: preview(row.Content),
		Error:          row.ErrorMessage,
	}
	switch {
	case ok && !snapshot.state.IsTerminal() && !row.Status.IsTerminal():
		status.Status = snapshot.state
	case row.Status == storage.StatusCompleted:
		status.Status = TaskSuccess
	case row.Status.IsTerminal():
		status.Status = TaskFailure
	case ok:
		status.Status = snapshot.state
	default:
		status.Status = TaskStarted
	}
	return status, nil
}

func (s *Supervisor) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-s.queue:
			if !ok {
				return
			}
			s.execute(ctx, id, turn)
		}
	}
}

// execute runs one turn with the retry budget. Each attempt observes
// the durable row; a row already terminal makes the attempt a no-op.
func (s *Supervisor) execute(ctx context.Context, workerID int, turn runtime.Turn) {
	s.setState(turn.TaskID, TaskStarted, "")

	var lastErr error
	for attempt := 1; attempt <= s.retryLimit; attempt++ {
		lastErr = s.runner.Run(ctx, turn)
		if lastErr == nil {
			s.setState(turn.TaskID, TaskSuccess, "")
			return
		}
		if errors.Is(lastErr, runtime.ErrTurnAlreadyFinal) {
			// The row went terminal before this attempt ran, so the
			// attempt proves nothing about the outcome; record what the
			// row says.
			s.resolveFromRow(ctx, turn)
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.retryLimit {
			slog.Warn("Turn attempt failed, retrying",
				"worker", workerID, "task_id", turn.TaskID, "attempt", attempt, "error", lastErr)
			s.setState(turn.TaskID, TaskRetry, lastErr.Error())
		}
	}

	slog.Error("Turn failed permanently",
		"worker", workerID, "task_id", turn.TaskID, "error", lastErr)
	s.setState(turn.TaskID, TaskFailure, lastErr.Error())
}

// resolveFromRow records the task outcome from the durable assistant
// row after a skipped attempt. An unreadable row counts as failure so
// the in-memory entry never claims success for a turn that errored.
func (s *Supervisor) resolveFromRow(ctx context.Context, turn runtime.Turn) {
	// The read must survive a cancelled worker context.
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	row, err := s.store.GetMessage(readCtx, turn.AssistantMessageID)
	if err != nil {
		s.setState(turn.TaskID, TaskFailure,
			fmt.Sprintf("row already terminal but unreadable: %v", err))
		return
	}
	if row.Status == storage.StatusCompleted {
		s.setState(turn.TaskID, TaskSuccess, "")
		return
	}
	message := row.ErrorMessage
	if message == "" {
		message = "turn did not complete"
	}
	s.setState(turn.TaskID, TaskFailure, message)
}

func (s *Supervisor) setState(taskID string, state TaskState, errMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[taskID]
	if !ok {
		entry = &taskEntry{}
		s.tasks[taskID] = entry
	}
	entry.state = state
	entry.err = errMessage
}

func sessionTitle(message string) string {
	const maxTitle = 60
	runes := []rune(message)
	if len(runes) <= maxTitle {
		return message
	}
	return string(runes[:maxTitle]) + "…"
}

func preview(content string) string {
	const maxPreview = 200
	runes := []rune(content)
	if len(runes) <= maxPreview {
		return content
	}
	return string(runes[:maxPreview])
}
