package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrUnknownTask is returned for a step slug or task index the run does
	// not have.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTaskNotStarted is returned when completing or failing a task that
	// is not currently claimed.
	ErrTaskNotStarted = errors.New("task is not started")

	// ErrRunNotActive is returned when claiming a task of a run that already
	// completed or failed.
	ErrRunNotActive = errors.New("run is not active")
)

// Skip reasons recorded on skipped steps.
const (
	SkipConditionUnmet    = "condition_unmet"
	SkipHandlerFailed     = "handler_failed"
	SkipDependencySkipped = "dependency_skipped"
)

// TaskStatus is the state of one task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskStarted   TaskStatus = "started"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of work of a step: the only one for single steps, one
// per array element for map steps.
type Task struct {
	Index    int        `json:"index"`
	Status   TaskStatus `json:"status"`
	Attempts int        `json:"attempts"`
	MsgID    int64      `json:"msg_id"`
	// ClaimedUntil is when the current claim lapses. A started task whose
	// claim lapsed belongs to a worker that died or gave up on it.
	ClaimedUntil time.Time       `json:"claimed_until,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// StepRun is the state of one step within a run.
type StepRun struct {
	Slug           string          `json:"slug"`
	Status         api.StepStatus  `json:"status"`
	RemainingDeps  int             `json:"remaining_deps"`
	RemainingTasks int             `json:"remaining_tasks"`
	Tasks          []*Task         `json:"tasks"`
	Output         json.RawMessage `json:"output,omitempty"`
	SkipReason     string          `json:"skip_reason,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Run is the full state of a flow execution.
type Run struct {
	RunID          string              `json:"run_id"`
	FlowSlug       string              `json:"flow_slug"`
	Status         api.RunStatus       `json:"status"`
	Input          json.RawMessage     `json:"input"`
	Output         json.RawMessage     `json:"output,omitempty"`
	RemainingSteps int                 `json:"remaining_steps"`
	Steps          map[string]*StepRun `json:"steps"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	FailedAt       *time.Time          `json:"failed_at,omitempty"`
}

// Dispatch asks the Store to enqueue a message for a task, visible after
// Delay.
type Dispatch struct {
	StepSlug  string
	TaskIndex int
	Delay     time.Duration
}

// FailOutcome tells the Store what to do with the message of a failed task.
type FailOutcome struct {
	// Retry means the task was requeued; its message should become visible
	// again after RetryDelay.
	Retry      bool
	RetryDelay time.Duration
	Dispatches []Dispatch
}

type machine struct {
	def        *FlowDef
	run        *Run
	now        time.Time
	dispatches []Dispatch
}

// Start creates a run and returns the tasks of its ready root steps.
func Start(def *FlowDef, runID string, input json.RawMessage, now time.Time) (*Run, []Dispatch, error) {
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	if !json.Valid(input) {
		return nil, nil, fmt.Errorf("run input is not valid JSON")
	}
	run := &Run{
		RunID:          runID,
		FlowSlug:       def.Slug,
		Status:         api.RunStarted,
		Input:          input,
		RemainingSteps: len(def.Steps),
		Steps:          make(map[string]*StepRun, len(def.Steps)),
		StartedAt:      now,
	}
	for _, s := range def.Steps {
		run.Steps[s.Slug] = &StepRun{
			Slug:          s.Slug,
			Status:        api.StepCreated,
			RemainingDeps: len(s.Dependencies),
		}
	}

	m := &machine{def: def, run: run, now: now}
	for i := range def.Steps {
		if len(def.Steps[i].Dependencies) == 0 {
			m.ready(&def.Steps[i])
		}
	}
	m.maybeComplete()
	return run, m.result(), nil
}

func (r *Run) task(slug string, idx int) (*StepRun, *Task, error) {
	sr, ok := r.Steps[slug]
	if !ok || idx < 0 || idx >= len(sr.Tasks) {
		return nil, nil, fmt.Errorf("%w: %s[%d] in run %s", ErrUnknownTask, slug, idx, r.RunID)
	}
	return sr, sr.Tasks[idx], nil
}

// Active reports whether the run is still executing.
func (r *Run) Active() bool { return r.Status == api.RunStarted }

// StartTask claims a task for lease and counts the attempt. Queued tasks
// are always claimable; started tasks only once their previous claim lapsed,
// which hands abandoned work to the next worker.
func (r *Run) StartTask(slug string, idx int, now time.Time, lease time.Duration) error {
	if !r.Active() {
		return ErrRunNotActive
	}
	sr, t, err := r.task(slug, idx)
	if err != nil {
		return err
	}
	if sr.Status != api.StepStarted {
		return fmt.Errorf("%w: step %s is %s", ErrRunNotActive, slug, sr.Status)
	}
	switch {
	case t.Status == TaskQueued:
	case t.Status == TaskStarted && !now.Before(t.ClaimedUntil):
	default:
		return fmt.Errorf("%w: %s[%d] is %s", ErrRunNotActive, slug, idx, t.Status)
	}
	t.Status = TaskStarted
	t.Attempts++
	t.ClaimedUntil = now.Add(lease)
	return nil
}

// TaskInput returns the handler input of a task and, for root single steps,
// the inlined run input.
func (r *Run) TaskInput(def *FlowDef, slug string, idx int) (input, flowInput json.RawMessage, err error) {
	s := def.Step(slug)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: step %s", ErrUnknownTask, slug)
	}
	if s.StepType == api.StepTypeMap {
		elems, err := r.mapSource(s)
		if err != nil {
			return nil, nil, err
		}
		if idx < 0 || idx >= len(elems) {
			return nil, nil, fmt.Errorf("%w: %s[%d]", ErrUnknownTask, slug, idx)
		}
		return elems[idx], nil, nil
	}

	outputs := make(map[string]json.RawMessage, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if ds := r.Steps[dep]; ds != nil && ds.Status == api.StepCompleted {
			outputs[dep] = ds.Output
		}
	}
	input, err = api.MergeInput(api.StepDefinition{Slug: s.Slug, Dependencies: s.Dependencies}, r.Input, outputs)
	if err != nil {
		return nil, nil, err
	}
	if len(s.Dependencies) == 0 {
		flowInput = r.Input
	}
	return input, flowInput, nil
}

// Complete records a task's output and cascades readiness.
func (r *Run) Complete(def *FlowDef, slug string, idx int, output json.RawMessage, now time.Time) ([]Dispatch, error) {
	sr, t, err := r.task(slug, idx)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskStarted {
		return nil, fmt.Errorf("%w: %s[%d] is %s", ErrTaskNotStarted, slug, idx, t.Status)
	}
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	t.Status = TaskCompleted
	t.Output = output

	if !r.Active() || sr.Status != api.StepStarted {
		return nil, nil
	}

	m := &machine{def: def, run: r, now: now}
	sr.RemainingTasks--
	if sr.RemainingTasks == 0 {
		s := def.Step(slug)
		if s.StepType == api.StepTypeMap {
			outs := make([]json.RawMessage, len(sr.Tasks))
			for i, tk := range sr.Tasks {
				outs[i] = tk.Output
			}
			sr.Output, err = json.Marshal(outs)
			if err != nil {
				return nil, err
			}
		} else {
			sr.Output = output
		}
		m.completeStep(s)
	}
	m.maybeComplete()
	return m.result(), nil
}

// Fail records a handler failure. The task is requeued while attempts
// remain; otherwise the step's whenExhausted policy applies.
func (r *Run) Fail(def *FlowDef, slug string, idx int, message string, now time.Time) (FailOutcome, error) {
	sr, t, err := r.task(slug, idx)
	if err != nil {
		return FailOutcome{}, err
	}
	if t.Status != TaskStarted {
		return FailOutcome{}, fmt.Errorf("%w: %s[%d] is %s", ErrTaskNotStarted, slug, idx, t.Status)
	}
	t.Error = message

	if !r.Active() || sr.Status != api.StepStarted {
		t.Status = TaskFailed
		return FailOutcome{}, nil
	}

	s := def.Step(slug)
	resolved := def.Resolved(s)
	policy := resolved.RetryPolicy()
	if !policy.Exhausted(t.Attempts) {
		t.Status = TaskQueued
		return FailOutcome{Retry: true, RetryDelay: policy.DelayDuration(t.Attempts)}, nil
	}

	t.Status = TaskFailed
	m := &machine{def: def, run: r, now: now}
	switch resolved.WhenExhausted {
	case api.PolicySkip:
		m.skip(s, SkipHandlerFailed, false)
	case api.PolicySkipCascade:
		m.skip(s, SkipHandlerFailed, true)
	default:
		sr.Status = api.StepFailed
		sr.Error = message
		m.failRun()
	}
	m.maybeComplete()
	return FailOutcome{Dispatches: m.result()}, nil
}

// TaskTimeout is how long a claimed task stays invisible to other pollers.
func (r *Run) TaskTimeout(def *FlowDef, slug string) time.Duration {
	s := def.Step(slug)
	if s == nil {
		return time.Duration(api.DefaultTimeout) * time.Second
	}
	return time.Duration(def.Resolved(s).Timeout+2) * time.Second
}

// Snapshot converts the run to its public form.
func (r *Run) Snapshot() *api.Run {
	out := &api.Run{
		RunID:       r.RunID,
		FlowSlug:    r.FlowSlug,
		Status:      r.Status,
		Input:       r.Input,
		Output:      r.Output,
		Steps:       make(map[string]api.StepState, len(r.Steps)),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		FailedAt:    r.FailedAt,
	}
	for slug, sr := range r.Steps {
		out.Steps[slug] = api.StepState{
			Slug:       slug,
			Status:     sr.Status,
			Output:     sr.Output,
			SkipReason: sr.SkipReason,
			Error:      sr.Error,
		}
	}
	return out
}

func (m *machine) result() []Dispatch {
	if !m.run.Active() {
		return nil
	}
	return m.dispatches
}

func (m *machine) ready(s *StepDef) {
	sr := m.run.Steps[s.Slug]
	if sr.Status != api.StepCreated || !m.run.Active() {
		return
	}

	var subject json.RawMessage
	if len(s.Dependencies) == 0 {
		subject = m.run.Input
	} else {
		subject = m.depsObject(s)
	}
	met, err := conditionMet(s, subject)
	if err != nil {
		sr.Status = api.StepFailed
		sr.Error = fmt.Sprintf("evaluate condition: %v", err)
		m.failRun()
		return
	}
	if !met {
		switch m.def.Resolved(s).WhenUnmet {
		case api.PolicyFail:
			sr.Status = api.StepFailed
			sr.Error = "condition not met"
			m.failRun()
		case api.PolicySkipCascade:
			m.skip(s, SkipConditionUnmet, true)
		default:
			m.skip(s, SkipConditionUnmet, false)
		}
		return
	}

	n := 1
	if s.StepType == api.StepTypeMap {
		if len(s.Dependencies) == 1 && m.run.Steps[s.Dependencies[0]].Status == api.StepSkipped {
			m.skip(s, SkipDependencySkipped, false)
			return
		}
		elems, err := m.run.mapSource(s)
		if err != nil {
			sr.Status = api.StepFailed
			sr.Error = err.Error()
			m.failRun()
			return
		}
		n = len(elems)
		if n == 0 {
			sr.Status = api.StepStarted
			sr.Output = json.RawMessage("[]")
			m.completeStep(s)
			return
		}
	}

	delay := time.Duration(m.def.Resolved(s).StartDelay) * time.Second
	sr.Status = api.StepStarted
	sr.RemainingTasks = n
	sr.Tasks = make([]*Task, n)
	for i := 0; i < n; i++ {
		sr.Tasks[i] = &Task{Index: i, Status: TaskQueued}
		m.dispatches = append(m.dispatches, Dispatch{StepSlug: s.Slug, TaskIndex: i, Delay: delay})
	}
}

func (m *machine) depsObject(s *StepDef) json.RawMessage {
	obj := make(map[string]json.RawMessage, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if ds := m.run.Steps[dep]; ds.Status == api.StepCompleted {
			obj[dep] = ds.Output
		}
	}
	raw, _ := json.Marshal(obj)
	return raw
}

func (r *Run) mapSource(s *StepDef) ([]json.RawMessage, error) {
	source := r.Input
	if len(s.Dependencies) == 1 {
		source = r.Steps[s.Dependencies[0]].Output
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(source, &elems); err != nil || source == nil || string(source) == "null" {
		return nil, fmt.Errorf("map step '%s' expects an array input", s.Slug)
	}
	return elems, nil
}

func (m *machine) completeStep(s *StepDef) {
	sr := m.run.Steps[s.Slug]
	sr.Status = api.StepCompleted
	m.run.RemainingSteps--
	for _, d := range m.def.Dependents(s.Slug) {
		dr := m.run.Steps[d.Slug]
		dr.RemainingDeps--
		if dr.RemainingDeps == 0 {
			m.ready(d)
		}
	}
}

func (m *machine) skip(s *StepDef, reason string, cascade bool) {
	sr := m.run.Steps[s.Slug]
	if sr.Status != api.StepCreated && sr.Status != api.StepStarted {
		return
	}
	sr.Status = api.StepSkipped
	sr.SkipReason = reason
	m.run.RemainingSteps--
	for _, d := range m.def.Dependents(s.Slug) {
		if cascade {
			m.skip(d, SkipDependencySkipped, true)
			continue
		}
		dr := m.run.Steps[d.Slug]
		dr.RemainingDeps--
		if dr.RemainingDeps == 0 {
			m.ready(d)
		}
	}
}

func (m *machine) failRun() {
	if !m.run.Active() {
		return
	}
	m.run.Status = api.RunFailed
	now := m.now
	m.run.FailedAt = &now
}

func (m *machine) maybeComplete() {
	if !m.run.Active() || m.run.RemainingSteps > 0 {
		return
	}
	leaves := map[string]json.RawMessage{}
	for _, s := range m.def.Steps {
		if len(m.def.Dependents(s.Slug)) > 0 {
			continue
		}
		if sr := m.run.Steps[s.Slug]; sr.Status == api.StepCompleted {
			leaves[s.Slug] = sr.Output
		}
	}
	out, _ := json.Marshal(leaves)
	m.run.Output = out
	m.run.Status = api.RunCompleted
	now := m.now
	m.run.CompletedAt = &now
}
