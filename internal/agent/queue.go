package agent

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentrt/core/pkg/models"
)

// EnqueueKind discriminates what Send enqueues: a plain user message, a
// reminder, a steering message, or a follow-up.
type EnqueueKind string

const (
	KindUserMessage EnqueueKind = "user"
	KindReminder    EnqueueKind = "reminder"
	KindSteering    EnqueueKind = "steering"
	KindFollowUp    EnqueueKind = "follow_up"
)

// ReminderOptions controls how a reminder is wrapped.
type ReminderOptions struct {
	SkipStandardEnding bool
	Category           string
}

// SteeringOptions controls how a steering message interrupts an
// in-flight run.
type SteeringOptions struct {
	// SkipRemainingTools, when true, tells the Tool Runner to stop
	// processing the rest of the current tool batch and synthesize a
	// skipped result for each tool call it didn't reach.
	SkipRemainingTools bool
}

// queuedMessage is one pending enqueue, not yet flushed into the message
// log.
type queuedMessage struct {
	id       string
	kind     EnqueueKind
	text     string
	reminder ReminderOptions
	steering SteeringOptions
}

const reminderEnding = "\n\n<system-reminder>This is an automated reminder. Do not reply to it directly; treat it as contextual input for your next action.</system-reminder>"

// MessageQueue buffers user/reminder/steering inputs and flushes them
// into the message log before each model call, plus a separate
// follow-up queue that only drains once a run would otherwise stop.
type MessageQueue struct {
	mu            sync.Mutex
	pending       []queuedMessage
	followUps     []queuedMessage
	onEnqueueUser func()
}

// NewMessageQueue constructs an empty queue. onEnqueueUser, if set, is
// invoked whenever a plain user message is enqueued — the processing
// loop wires this to reset the invalid-args recovery streaks and the
// iteration counter, since new user guidance resets the model's
// opportunity.
func NewMessageQueue(onEnqueueUser func()) *MessageQueue {
	return &MessageQueue{onEnqueueUser: onEnqueueUser}
}

// Send enqueues a message and returns its generated id. Enqueue persists
// immediately in the sense that it is visible to the next Flush; actual
// store persistence happens when the flushed message is appended to the
// log.
func (q *MessageQueue) Send(text string, kind EnqueueKind, opts ReminderOptions) string {
	id := uuid.NewString()
	q.mu.Lock()
	q.pending = append(q.pending, queuedMessage{id: id, kind: kind, text: text, reminder: opts})
	q.mu.Unlock()
	if kind == KindUserMessage && q.onEnqueueUser != nil {
		q.onEnqueueUser()
	}
	return id
}

// Steer injects a steering message: it queues like a user message, but
// HasSteering lets the Tool Runner notice it mid-batch and abandon the
// remaining tool calls in the current step rather than waiting for them
// to finish.
func (q *MessageQueue) Steer(text string, opts SteeringOptions) string {
	id := uuid.NewString()
	q.mu.Lock()
	q.pending = append(q.pending, queuedMessage{id: id, kind: KindSteering, text: text, steering: opts})
	q.mu.Unlock()
	return id
}

// HasSteering reports whether a steering message configured to skip
// remaining tools is currently queued and not yet flushed.
func (q *MessageQueue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.pending {
		if m.kind == KindSteering && m.steering.SkipRemainingTools {
			return true
		}
	}
	return false
}

// FollowUp queues a message to be appended only once the current run
// would otherwise stop, rather than interrupting it.
func (q *MessageQueue) FollowUp(text string) string {
	id := uuid.NewString()
	q.mu.Lock()
	q.followUps = append(q.followUps, queuedMessage{id: id, kind: KindFollowUp, text: text})
	q.mu.Unlock()
	return id
}

// HasFollowUp reports whether any follow-up message is queued.
func (q *MessageQueue) HasFollowUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUps) > 0
}

// FlushFollowUps drains the follow-up queue into user Messages, to be
// appended to the log so the processing loop continues instead of
// stopping.
func (q *MessageQueue) FlushFollowUps() []models.Message {
	q.mu.Lock()
	pending := q.followUps
	q.followUps = nil
	q.mu.Unlock()

	out := make([]models.Message, 0, len(pending))
	for _, m := range pending {
		out = append(out, models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText(m.text)}})
	}
	return out
}

// Flush drains every pending message into a slice of user Messages ready
// to append to the log, wrapping reminders in the standard envelope.
func (q *MessageQueue) Flush() []models.Message {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	out := make([]models.Message, 0, len(pending))
	for _, m := range pending {
		text := m.text
		if m.kind == KindReminder && !m.reminder.SkipStandardEnding {
			text += reminderEnding
		}
		out = append(out, models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText(text)}})
	}
	return out
}
