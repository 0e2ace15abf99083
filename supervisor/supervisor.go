// Package supervisor keeps long-running tasks alive with bounded exponential backoff.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"channel-recorder/metrics"
)

// Policy bounds the restart delay after a failed run.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy starts at 5s and doubles up to one minute.
var DefaultPolicy = Policy{Initial: 5 * time.Second, Max: 60 * time.Second}

// Task is a unit of supervised work. It should block until ctx is done or it fails.
type Task func(ctx context.Context) error

// Failure describes one failed run of a task.
type Failure struct {
	Task    string
	Err     error
	Attempt int           // consecutive failures, starting at 1
	Delay   time.Duration // wait before the next start
}

// State is a snapshot of one task.
type State struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Supervisor restarts tasks until their context ends.
type Supervisor struct {
	policy    Policy
	metrics   *metrics.Metrics
	logger    *slog.Logger
	onFailure func(context.Context, Failure)
	wait      func(context.Context, time.Duration) error

	mu     sync.Mutex
	states map[string]*State
}

// New creates a supervisor. Zero policy fields fall back to DefaultPolicy.
func New(policy Policy, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if policy.Initial <= 0 {
		policy.Initial = DefaultPolicy.Initial
	}
	if policy.Max < policy.Initial {
		policy.Max = max(DefaultPolicy.Max, policy.Initial)
	}
	return &Supervisor{
		policy:  policy,
		metrics: m,
		logger:  logger.With("component", "supervisor"),
		wait:    sleep,
		states:  make(map[string]*State),
	}
}

// OnFailure registers a hook called after every failed run, before the backoff wait.
func (s *Supervisor) OnFailure(fn func(context.Context, Failure)) {
	s.onFailure = fn
}

// Run starts task and restarts it until ctx is done.
// A failed run waits the current delay, which doubles up to the policy maximum.
// A run that returns nil resets the delay and restarts immediately.
func (s *Supervisor) Run(ctx context.Context, name string, task Task) {
	delay := s.policy.Initial
	failures := 0

	for ctx.Err() == nil {
		s.started(name)
		s.logger.Info("Starting task", "task", name)

		err := runSafely(ctx, task)

		if ctx.Err() != nil {
			s.stopped(name, nil, 0)
			s.logger.Info("Task stopped", "task", name)
			return
		}

		if err == nil {
			failures = 0
			delay = s.policy.Initial
			s.stopped(name, nil, 0)
			s.metrics.TaskRestarted(name, false)
			s.logger.Warn("Task exited without error, restarting", "task", name)
			continue
		}

		failures++
		s.stopped(name, err, failures)
		s.metrics.TaskRestarted(name, true)
		s.logger.Error("Task crashed, restarting",
			"task", name,
			"error", err,
			"attempt", failures,
			"restart_in", delay.String())

		if s.onFailure != nil {
			s.onFailure(ctx, Failure{Task: name, Err: err, Attempt: failures, Delay: delay})
		}

		if err := s.wait(ctx, delay); err != nil {
			s.logger.Info("Task stopped during backoff", "task", name)
			return
		}
		delay = min(delay*2, s.policy.Max)
	}
}

// States returns a snapshot of all tasks, sorted by name.
func (s *Supervisor) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether at least one task exists and every task is running.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.states) == 0 {
		return false
	}
	for _, st := range s.states {
		if !st.Running {
			return false
		}
	}
	return true
}

func (s *Supervisor) started(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[name]
	if !ok {
		st = &State{Name: name}
		s.states[name] = st
	} else {
		st.Restarts++
	}
	st.Running = true
	st.StartedAt = time.Now()
}

func (s *Supervisor) stopped(name string, err error, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[name]
	st.Running = false
	st.Failures = failures
	if err != nil {
		st.LastError = err.Error()
	}
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
