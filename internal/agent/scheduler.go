package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentrt/core/pkg/models"
)

// TriggerKind discriminates the three Scheduler trigger shapes.
type TriggerKind string

const (
	TriggerSteps TriggerKind = "steps"
	TriggerTime  TriggerKind = "time"
	TriggerCron  TriggerKind = "cron"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduledTask is one registered trigger.
type ScheduledTask struct {
	ID   string
	Kind TriggerKind
	Spec string // cron expr for TriggerCron; ignored otherwise

	everyNSteps int
	interval    time.Duration

	nextFireAt time.Time
	schedule   cron.Schedule
}

// Scheduler drives every-N-steps / time / cron triggers, emitted as
// monitor events. Owned per-agent, disposed with it.
type Scheduler struct {
	mu        sync.Mutex
	bus       *EventBus
	tasks     map[string]*ScheduledTask
	stepCount int
	stop      chan struct{}
	stopped   bool
}

// NewScheduler constructs a scheduler bound to one agent's event bus.
func NewScheduler(bus *EventBus) *Scheduler {
	return &Scheduler{bus: bus, tasks: map[string]*ScheduledTask{}, stop: make(chan struct{})}
}

// ScheduleSteps registers an every-N-completed-steps trigger.
func (s *Scheduler) ScheduleSteps(everyN int) (string, error) {
	if everyN <= 0 {
		return "", fmt.Errorf("every-N-steps trigger requires everyN > 0")
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &ScheduledTask{ID: id, Kind: TriggerSteps, everyNSteps: everyN}
	s.mu.Unlock()
	return id, nil
}

// ScheduleTime registers a fire-after-duration trigger, rearmed after
// each fire.
func (s *Scheduler) ScheduleTime(interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("time trigger requires a positive interval")
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &ScheduledTask{ID: id, Kind: TriggerTime, interval: interval, nextFireAt: time.Now().Add(interval)}
	s.mu.Unlock()
	return id, nil
}

// ScheduleCron registers a cron-spec trigger (standard 5-field or
// descriptor form, e.g. "@hourly").
func (s *Scheduler) ScheduleCron(spec string) (string, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression: %w", err)
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &ScheduledTask{ID: id, Kind: TriggerCron, Spec: spec, schedule: sched, nextFireAt: sched.Next(time.Now())}
	s.mu.Unlock()
	return id, nil
}

// Unschedule removes a previously registered trigger.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// NotifyStep is called on every `done`, advancing the steps-trigger
// counter and checking time/cron triggers against the current clock.
func (s *Scheduler) NotifyStep(ctx context.Context, n int) {
	s.mu.Lock()
	s.stepCount += n
	now := time.Now()
	var fired []*ScheduledTask
	for _, t := range s.tasks {
		switch t.Kind {
		case TriggerSteps:
			if t.everyNSteps > 0 && s.stepCount%t.everyNSteps == 0 {
				fired = append(fired, t)
			}
		case TriggerTime:
			if !t.nextFireAt.IsZero() && !now.Before(t.nextFireAt) {
				t.nextFireAt = now.Add(t.interval)
				fired = append(fired, t)
			}
		case TriggerCron:
			if !t.nextFireAt.IsZero() && !now.Before(t.nextFireAt) {
				t.nextFireAt = t.schedule.Next(now)
				fired = append(fired, t)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range fired {
		if s.bus != nil {
			s.bus.Publish(ctx, models.ChannelMonitor, models.EventSchedulerTriggered, map[string]any{
				"taskId": t.ID, "spec": t.Spec, "kind": string(t.Kind), "triggeredAt": now.UnixMilli(),
			})
		}
	}
}

// Dispose stops the scheduler. Safe to call more than once.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}
