// Package cron schedules named background jobs on fixed intervals and
// exposes their runtime state to the admin API.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// JobStatus is the outcome of a job's most recent run.
type JobStatus string

const (
	StatusIdle    JobStatus = "idle"
	StatusRunning JobStatus = "running"
	StatusFulfill JobStatus = "fulfill"
	StatusReject  JobStatus = "reject"
)

// Job is a named unit of background work run on a fixed interval.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	Fn          func(ctx context.Context) error
}

// JobState tracks a registered job across runs.
type JobState struct {
	Job

	mu        sync.Mutex
	Status    JobStatus
	Message   string
	Runs      int64
	LastRunAt *time.Time
	NextRunAt time.Time
}

// begin transitions the job to running. It reports false when a run is
// already in flight so overlapping triggers collapse into one.
func (js *JobState) begin() bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.Status == StatusRunning {
		return false
	}
	js.Status = StatusRunning
	return true
}

func (js *JobState) finish(startedAt time.Time, err error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.Runs++
	js.LastRunAt = &startedAt
	if err != nil {
		js.Status = StatusReject
		js.Message = err.Error()
		return
	}
	js.Status = StatusFulfill
	js.Message = ""
}

func (js *JobState) snapshot() ListItem {
	js.mu.Lock()
	defer js.mu.Unlock()
	next := js.NextRunAt
	return ListItem{
		Name:        js.Name,
		Description: js.Description,
		Status:      js.Status,
		Runs:        js.Runs,
		NextDate:    &next,
		LastRunAt:   js.LastRunAt,
	}
}

// ListItem is the serializable job summary returned by the admin API.
type ListItem struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      JobStatus  `json:"status"`
	Runs        int64      `json:"runs"`
	NextDate    *time.Time `json:"nextDate"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
}

// TaskResult reports the state of a manually triggered run.
type TaskResult struct {
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// Scheduler owns the registered jobs and their interval loops.
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]*JobState
}

func New() *Scheduler {
	return &Scheduler{jobs: make(map[string]*JobState)}
}

// Register adds a job. The first run happens one interval after Start, not
// immediately. Jobs registered after Start never get a loop.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &JobState{
		Job:       job,
		Status:    StatusIdle,
		NextRunAt: time.Now().Add(job.Interval),
	}
}

// Start launches one interval loop per registered job. Loops stop when ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.jobs {
		go s.loop(ctx, st)
	}
}

// loop measures intervals start to start. A run that outlasts its interval
// triggers the next one as soon as it finishes.
func (s *Scheduler) loop(ctx context.Context, st *JobState) {
	timer := time.NewTimer(time.Until(st.NextRunAt))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		st.mu.Lock()
		st.NextRunAt = time.Now().Add(st.Interval)
		st.mu.Unlock()

		s.invoke(ctx, st)
		timer.Reset(time.Until(st.NextRunAt))
	}
}

func (s *Scheduler) invoke(ctx context.Context, st *JobState) {
	if !st.begin() {
		return
	}
	startedAt := time.Now()
	st.finish(startedAt, st.Fn(ctx))
}

// Run triggers a job by name without waiting for its interval. The run is
// asynchronous; poll GetTask for the outcome.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	st, err := s.lookup(name)
	if err != nil {
		return err
	}
	go s.invoke(ctx, st)
	return nil
}

// GetTask returns the current execution state of a job.
func (s *Scheduler) GetTask(name string) (*TaskResult, error) {
	st, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return &TaskResult{Status: st.Status, Message: st.Message}, nil
}

func (s *Scheduler) lookup(name string) (*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return st, nil
}

// List returns all registered jobs sorted by name.
func (s *Scheduler) List() []ListItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ListItem, 0, len(s.jobs))
	for _, st := range s.jobs {
		items = append(items, st.snapshot())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
