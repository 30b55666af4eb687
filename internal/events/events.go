// Package events fans task lifecycle events out to in-process subscribers,
// keeps a bounded ring of recent events for the activity feed, and mirrors
// events to NATS when a connection is configured. Delivery is best effort
// everywhere: publishing never blocks a phase transition.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/metrics"
	"github.com/throw-if-null/covalent/internal/phase"
)

const (
	TypeTaskCreated      = "task.created"
	TypeTaskPhaseChanged = "task.phase_changed"
	TypeTaskEscalated    = "task.escalated"
	TypeTaskBlocked      = "task.blocked"
	TypeTaskCompleted    = "task.completed"
)

const defaultRecentCapacity = 256

type Options struct {
	// NATS mirrors events to covalent.task.<task_id>.<event> subjects.
	// Nil keeps the bus in-process only.
	NATS          *nats.Conn
	SubjectPrefix string
	// RecentCapacity bounds the activity ring; zero means the default.
	RecentCapacity int
}

type Bus struct {
	logger *zap.Logger
	nc     *nats.Conn
	prefix string

	mu        sync.Mutex
	subs      map[int]chan api.TaskEvent
	nextSubID int
	recent    []api.TaskEvent
	capacity  int
}

func NewBus(logger *zap.Logger, opts Options) *Bus {
	capacity := opts.RecentCapacity
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = "covalent"
	}
	return &Bus{
		logger:   logger.Named("events"),
		nc:       opts.NATS,
		prefix:   prefix,
		subs:     map[int]chan api.TaskEvent{},
		capacity: capacity,
	}
}

// Subscribe returns a receive channel with the given buffer and a cancel
// func. A subscriber that falls behind loses events rather than slowing the
// publisher down.
func (b *Bus) Subscribe(buffer int) (<-chan api.TaskEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan api.TaskEvent, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(ev api.TaskEvent) {
	if ev.RecordedAt == "" {
		ev.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.capacity {
		b.recent = b.recent[len(b.recent)-b.capacity:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
	b.mu.Unlock()

	b.publishNATS(ev)
}

// Recent returns up to limit events, newest first, optionally filtered to
// one task.
func (b *Bus) Recent(limit int, taskID string) []api.TaskEvent {
	if limit <= 0 {
		limit = 50
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]api.TaskEvent, 0, limit)
	for i := len(b.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if taskID != "" && b.recent[i].TaskID != taskID {
			continue
		}
		out = append(out, b.recent[i])
	}
	return out
}

func (b *Bus) publishNATS(ev api.TaskEvent) {
	if b.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	subject := b.prefix + ".task." + ev.TaskID + "." + strings.TrimPrefix(ev.Type, "task.")
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func Created(taskID string) api.TaskEvent {
	return api.TaskEvent{Type: TypeTaskCreated, TaskID: taskID, RecordedAt: now()}
}

func PhaseChanged(taskID string, from, to phase.Phase, iteration int) api.TaskEvent {
	return api.TaskEvent{
		Type:       TypeTaskPhaseChanged,
		TaskID:     taskID,
		FromPhase:  from,
		ToPhase:    to,
		Iteration:  iteration,
		RecordedAt: now(),
	}
}

func Escalated(taskID, reason string) api.TaskEvent {
	return api.TaskEvent{Type: TypeTaskEscalated, TaskID: taskID, Reason: reason, RecordedAt: now()}
}

func Blocked(taskID, reason string) api.TaskEvent {
	return api.TaskEvent{Type: TypeTaskBlocked, TaskID: taskID, Reason: reason, RecordedAt: now()}
}

func Completed(taskID string) api.TaskEvent {
	return api.TaskEvent{Type: TypeTaskCompleted, TaskID: taskID, RecordedAt: now()}
}
