package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named background job. Schedule is a five-field cron expression;
// when empty, Interval drives a plain ticker instead.
type Task struct {
	Name     string
	Schedule string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Runner executes registered tasks on their schedules until stopped.
// One goroutine per task; a panicking run is logged and the schedule
// keeps firing.
type Runner struct {
	tasks  []scheduledTask
	parser cron.Parser
	cancel context.CancelFunc
	done   chan struct{}
}

type scheduledTask struct {
	task  Task
	sched cron.Schedule
}

// NewRunner creates an empty task runner using standard five-field cron
// expressions (minute granularity).
func NewRunner() *Runner {
	return &Runner{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Add registers a task. Cron expressions are parsed eagerly so a bad
// schedule fails configuration rather than silently never firing.
func (r *Runner) Add(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q: no run function", t.Name)
	}
	st := scheduledTask{task: t}
	if t.Schedule != "" {
		sched, err := r.parser.Parse(t.Schedule)
		if err != nil {
			return fmt.Errorf("task %q: parse schedule %q: %w", t.Name, t.Schedule, err)
		}
		st.sched = sched
	} else if t.Interval <= 0 {
		return fmt.Errorf("task %q: needs a schedule or a positive interval", t.Name)
	}
	r.tasks = append(r.tasks, st)
	return nil
}

// Start launches one goroutine per registered task. Tasks added after Start
// are not picked up.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		subDone := make(chan struct{})
		for _, st := range r.tasks {
			go func(st scheduledTask) {
				defer func() { subDone <- struct{}{} }()
				r.loop(ctx, st)
			}(st)
		}
		for range r.tasks {
			<-subDone
		}
	}()
	slog.Debug("background tasks started", "count", len(r.tasks))
}

// Stop cancels all task goroutines and waits for them to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Runner) loop(ctx context.Context, st scheduledTask) {
	if st.sched != nil {
		r.cronLoop(ctx, st)
		return
	}
	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fire(ctx, st.task)
		}
	}
}

func (r *Runner) cronLoop(ctx context.Context, st scheduledTask) {
	timer := time.NewTimer(time.Until(st.sched.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.fire(ctx, st.task)
			timer.Reset(time.Until(st.sched.Next(time.Now())))
		}
	}
}

func (r *Runner) fire(ctx context.Context, t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("background task panicked", "task", t.Name, "panic", rec)
		}
	}()
	t.Run(ctx)
}
