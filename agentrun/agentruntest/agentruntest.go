// Package agentruntest provides a scripted in-memory Executor for tests.
package agentruntest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordonlabs/toolgate/agentrun"
	"github.com/google/uuid"
)

var _ agentrun.Executor = (*Fake)(nil)

// Fake is a scripted agentrun.Executor. Queue events with Script before
// calling StreamRun.
type Fake struct {
	mu      sync.Mutex
	threads map[string]*agentrun.Thread
	states  map[string]agentrun.RunState
	script  []agentrun.Event
	// StreamErr, when set, makes StreamRun fail outright.
	StreamErr error
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		threads: make(map[string]*agentrun.Thread),
		states:  make(map[string]agentrun.RunState),
	}
}

// Script sets the events the next StreamRun will emit.
func (f *Fake) Script(events ...agentrun.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = events
}

func (f *Fake) CreateThread(ctx context.Context, userID string, metadata map[string]string) (*agentrun.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	th := &agentrun.Thread{
		ID:        uuid.NewString(),
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.threads[th.ID] = th
	f.states[th.ID] = agentrun.RunQueued
	return th, nil
}

func (f *Fake) GetThread(ctx context.Context, threadID string) (*agentrun.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	cp := *th
	return &cp, nil
}

func (f *Fake) UpdateThread(ctx context.Context, threadID string, metadata map[string]string) (*agentrun.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	th.Metadata = metadata
	th.UpdatedAt = time.Now()
	cp := *th
	return &cp, nil
}

func (f *Fake) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
	delete(f.states, threadID)
	return nil
}

func (f *Fake) StreamRun(ctx context.Context, threadID, input string) (<-chan agentrun.Event, error) {
	f.mu.Lock()
	if f.StreamErr != nil {
		err := f.StreamErr
		f.mu.Unlock()
		return nil, err
	}
	events := f.script
	f.states[threadID] = agentrun.RunRunning
	f.mu.Unlock()

	out := make(chan agentrun.Event, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)

	f.mu.Lock()
	state := agentrun.RunCompleted
	for _, ev := range events {
		if ev.Type == agentrun.EventRunFailed {
			state = agentrun.RunFailed
		}
	}
	f.states[threadID] = state
	f.mu.Unlock()
	return out, nil
}

func (f *Fake) GetState(ctx context.Context, threadID string) (agentrun.RunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[threadID]
	if !ok {
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	return state, nil
}
