// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync"

	"github.com/cockroachdb/crlib/crtime"
)

// TaskState describes where a monitored background task is in its lifecycle.
type TaskState int

const (
	// TaskPreparing means the task is selected but not yet running.
	TaskPreparing TaskState = iota
	// TaskRunning means the task is executing.
	TaskRunning
	// TaskComplete means the task finished successfully.
	TaskComplete
	// TaskFailed means the task finished with an error.
	TaskFailed
	// TaskAborted means the task was cancelled before completion.
	TaskAborted
)

// String implements fmt.Stringer.
func (s TaskState) String() string {
	switch s {
	case TaskPreparing:
		return "Preparing"
	case TaskRunning:
		return "Running"
	case TaskComplete:
		return "Complete"
	case TaskFailed:
		return "Failed"
	case TaskAborted:
		return "Aborted"
	}
	return "Unknown"
}

// MonitoredTask exposes the progress of one flush or compaction for
// observability. Start and completion times are monotonic readings and may be
// zero if the task has not reached that point.
type MonitoredTask struct {
	typeName    string
	description string

	mu         sync.Mutex
	state      TaskState
	startedAt  crtime.Mono
	finishedAt crtime.Mono
}

func newMonitoredTask(typeName, description string) *MonitoredTask {
	return &MonitoredTask{typeName: typeName, description: description}
}

// TypeName identifies the kind of task, e.g. "flush" or "compaction".
func (t *MonitoredTask) TypeName() string { return t.typeName }

// Description describes this task instance.
func (t *MonitoredTask) Description() string { return t.description }

// State returns the task's current state.
func (t *MonitoredTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StartTimestamp returns when the task started running, zero if it has not.
func (t *MonitoredTask) StartTimestamp() crtime.Mono {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// CompletionTimestamp returns when the task finished, zero if it has not.
func (t *MonitoredTask) CompletionTimestamp() crtime.Mono {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

func (t *MonitoredTask) transition(s TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	switch s {
	case TaskRunning:
		t.startedAt = crtime.NowMono()
	case TaskComplete, TaskFailed, TaskAborted:
		t.finishedAt = crtime.NowMono()
	}
}
