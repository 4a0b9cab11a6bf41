package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"cofounder/internal/capability"
	"cofounder/internal/checkpoint"
	"cofounder/internal/config"
	"cofounder/internal/contextstore"
	"cofounder/internal/domain"
	"cofounder/internal/events"
	"cofounder/internal/model"
	"cofounder/internal/plan"
	"cofounder/internal/repo"
	"cofounder/internal/router"
)

// ErrStepExecution reports a step that failed after its retry.
var ErrStepExecution = errors.New("step execution failed")

// Engine owns the task lifecycle: classification, planning, the
// step-by-step execution loop, checkpointing and resume. One engine runs
// one autonomous task at a time; chat turns may run concurrently and
// share only the context store.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Router       *router.Classifier
	Planner      *plan.Generator
	Capabilities *capability.Registry
	Checkpoints  *checkpoint.Store
	Store        *contextstore.Store
	Model        model.Caller
	Now          func() time.Time

	pauses *pauseRegistry
}

func New(db *sql.DB, cfg *config.Config, m model.Caller, cps *checkpoint.Store) Engine {
	store := contextstore.New(db, cfg.Context.Categories, cfg.Context.BudgetTokens)
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Router: router.New(router.Rules{
			AutonomousKeywords: cfg.Routing.AutonomousKeywords,
			CategoryKeywords:   cfg.Routing.CategoryKeywords,
		}),
		Planner:      plan.NewGenerator(m, cfg.Executor.MaxSteps),
		Capabilities: capability.DefaultRegistry(m),
		Checkpoints:  cps,
		Store:        store,
		Model:        m,
		Now:          time.Now,
		pauses:       newPauseRegistry(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type pauseRegistry struct {
	mu    sync.Mutex
	flags map[string]*atomic.Bool
}

func newPauseRegistry() *pauseRegistry {
	return &pauseRegistry{flags: map[string]*atomic.Bool{}}
}

func (p *pauseRegistry) flag(taskID string) *atomic.Bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flags[taskID]
	if !ok {
		f = &atomic.Bool{}
		p.flags[taskID] = f
	}
	return f
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskPending:
		if newStatus == domain.TaskRunning {
			return nil
		}
	case domain.TaskRunning:
		if newStatus == domain.TaskCompleted || newStatus == domain.TaskFailed || newStatus == domain.TaskPaused {
			return nil
		}
	case domain.TaskPaused:
		if newStatus == domain.TaskRunning {
			return nil
		}
	case domain.TaskFailed:
		// resume after a fix re-enters the loop
		if newStatus == domain.TaskRunning {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// Response is the outcome of routing one user request.
type Response struct {
	Mode     router.Mode  `json:"mode"`
	Category string       `json:"category"`
	Reply    string       `json:"reply,omitempty"`
	Task     *domain.Task `json:"task,omitempty"`
}

// HandleRequest classifies the input and either answers conversationally
// or creates (but does not run) an autonomous task.
func (e Engine) HandleRequest(ctx context.Context, text string) (Response, error) {
	decision, err := e.Router.Classify(text)
	if err != nil {
		return Response{}, err
	}
	if decision.Mode == router.ModeChat {
		reply, err := e.Chat(ctx, text)
		if err != nil {
			return Response{}, err
		}
		return Response{Mode: router.ModeChat, Category: decision.Category, Reply: reply}, nil
	}
	t, err := e.CreateTask(ctx, text, decision.Category)
	if err != nil {
		return Response{}, err
	}
	return Response{Mode: router.ModeAutonomous, Category: decision.Category, Task: &t}, nil
}

// Chat runs one conversational turn against the model with a bounded
// context snapshot, and records the exchange.
func (e Engine) Chat(ctx context.Context, text string) (string, error) {
	snap, err := e.Store.GetSnapshot(ctx, e.Config.Context.SnapshotTokens)
	if err != nil {
		return "", err
	}
	system := fmt.Sprintf("You are %s, a pragmatic AI co-founder. Answer briefly and concretely.", e.assistantName())
	if rendered := snap.Render(e.Config.Context.Categories); rendered != "" {
		system += "\n\nWhat you remember:\n" + rendered
	}
	reply, err := e.Model.Generate(ctx, []model.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	})
	if err != nil {
		return "", err
	}
	// A memory write failure must not eat the reply, but it has to be
	// visible: the user is told and the event log records it.
	for _, line := range []string{"User: " + clip(text, 500), "Assistant: " + clip(reply, 500)} {
		if err := e.Store.Append(ctx, domain.ContextConversation, line, nil); err != nil {
			_ = e.appendEvent(ctx, "context.write_failed", "context", domain.ContextConversation, events.EventPayload{
				"error": clip(err.Error(), 300),
			})
			return reply + "\n\n(note: I could not save this exchange to memory)", nil
		}
	}
	return reply, nil
}

func (e Engine) assistantName() string {
	if e.Config != nil && e.Config.Assistant.Name != "" {
		return e.Config.Assistant.Name
	}
	return "cofounder"
}

// CreateTask generates a plan for the objective and persists the task
// with its ordered steps. The step order is fixed from here on.
func (e Engine) CreateTask(ctx context.Context, objective, category string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	steps, err := e.Planner.Generate(ctx, objective)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(objective+"|"+now)).String(),
		Objective: objective,
		Category:  category,
		Status:    domain.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, desc := range steps {
		t.Steps = append(t.Steps, domain.Step{
			ID:          uuid.New().String(),
			TaskID:      t.ID,
			Ordinal:     i + 1,
			Description: desc,
			Status:      domain.StepPending,
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	for _, s := range t.Steps {
		if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, events.EventPayload{
		"objective": clip(objective, 200),
		"category":  category,
		"steps":     len(t.Steps),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RequestPause asks a running task to stop at the next step boundary.
// The loop checkpoints before exiting; steps are never interrupted
// mid-flight.
func (e Engine) RequestPause(ctx context.Context, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskRunning {
		return fmt.Errorf("task %s is %s, not running", taskID, t.Status)
	}
	e.pauses.flag(taskID).Store(true)
	return nil
}

// RunTask walks the task's pending steps in plan order. Each step gets
// one retry; a second failure fails the step and the task, leaving a
// checkpoint at the last completed step. Progress events are written for
// every step and transition.
func (e Engine) RunTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTaskWithSteps(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, domain.TaskRunning); err != nil {
		return t, err
	}
	if err := e.setTaskStatus(ctx, &t, domain.TaskRunning, "task.started", nil); err != nil {
		return t, err
	}
	pause := e.pauses.flag(t.ID)
	pause.Store(false)

	completedSinceCheckpoint := 0
	for i := range t.Steps {
		if t.Steps[i].Status == domain.StepCompleted {
			continue
		}
		if pause.Load() {
			if err := e.checkpointTask(ctx, &t, "pause"); err != nil {
				e.failRunning(ctx, &t, err)
				return t, err
			}
			if err := e.setTaskStatus(ctx, &t, domain.TaskPaused, "task.paused", nil); err != nil {
				return t, err
			}
			return t, nil
		}
		ok, err := e.runStep(ctx, &t, &t.Steps[i])
		if err != nil {
			e.failRunning(ctx, &t, err)
			return t, err
		}
		if !ok {
			// Leave a resumable checkpoint at the last completed step.
			if err := e.checkpointTask(ctx, &t, "failure"); err != nil {
				e.failRunning(ctx, &t, err)
				return t, err
			}
			if err := e.setTaskStatus(ctx, &t, domain.TaskFailed, "task.failed", events.EventPayload{
				"step": t.Steps[i].Ordinal,
			}); err != nil {
				return t, err
			}
			return t, nil
		}
		completedSinceCheckpoint++
		if completedSinceCheckpoint >= e.Config.Executor.CheckpointEvery {
			if err := e.checkpointTask(ctx, &t, "interval"); err != nil {
				e.failRunning(ctx, &t, err)
				return t, err
			}
			completedSinceCheckpoint = 0
		}
	}
	if err := e.checkpointTask(ctx, &t, "completion"); err != nil {
		e.failRunning(ctx, &t, err)
		return t, err
	}
	if err := e.setTaskStatus(ctx, &t, domain.TaskCompleted, "task.completed", events.EventPayload{
		"iterations": t.Iteration,
	}); err != nil {
		return t, err
	}
	return t, nil
}

// failRunning marks the task failed after an infrastructure error so an
// aborted run never stays wedged in status running. Best effort: the
// caller returns the original error either way, and a failed task can
// re-enter the loop once the environment is fixed.
func (e Engine) failRunning(ctx context.Context, t *domain.Task, cause error) {
	_ = e.setTaskStatus(ctx, t, domain.TaskFailed, "task.failed", events.EventPayload{
		"error": clip(cause.Error(), 300),
	})
}

// runStep executes one step with the retry policy. Returns false when
// the step failed terminally; error only for infrastructure failures.
func (e Engine) runStep(ctx context.Context, t *domain.Task, s *domain.Step) (bool, error) {
	if err := e.appendEvent(ctx, "step.started", "step", s.ID, events.EventPayload{
		"task":    t.ID,
		"ordinal": s.Ordinal,
	}); err != nil {
		return false, err
	}
	c, err := e.Capabilities.Lookup(t.Category)
	if err != nil {
		return false, err
	}
	retries := e.Config.Executor.StepRetries
	var res capability.Result
	for attempt := 0; ; attempt++ {
		s.Attempts++
		res = e.executeOnce(ctx, c, s.Description)
		if res.OK || attempt >= retries {
			break
		}
		if backoff := e.Config.Executor.RetryBackoff.Std(); backoff > 0 {
			select {
			case <-ctx.Done():
				res = capability.Result{OK: false, Err: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	if !res.OK {
		detail := res.Err
		s.Status = domain.StepFailed
		s.ErrorDetail = &detail
		if err := e.persistStep(ctx, t, s, "step.failed", events.EventPayload{
			"task":     t.ID,
			"ordinal":  s.Ordinal,
			"attempts": s.Attempts,
			"error":    clip(detail, 300),
		}); err != nil {
			return false, err
		}
		return false, nil
	}
	output := res.Output
	s.Status = domain.StepCompleted
	s.Result = &output
	t.Iteration++
	if err := e.persistStep(ctx, t, s, "step.completed", events.EventPayload{
		"task":     t.ID,
		"ordinal":  s.Ordinal,
		"attempts": s.Attempts,
	}); err != nil {
		return false, err
	}
	summary := fmt.Sprintf("Step %d/%d (%s): %s", s.Ordinal, len(t.Steps), s.Description, clip(output, 2000))
	if err := e.Store.Append(ctx, domain.ContextTaskState, summary, map[string]any{"task": t.ID, "step": s.Ordinal}); err != nil {
		return false, err
	}
	return true, nil
}

// executeOnce runs a single capability attempt under the step timeout.
func (e Engine) executeOnce(ctx context.Context, c capability.Capability, description string) capability.Result {
	timeout := e.Config.Executor.StepTimeout.Std()
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	snap, err := e.Store.GetSnapshot(stepCtx, e.Config.Context.SnapshotTokens)
	if err != nil {
		return capability.Result{OK: false, Err: err.Error()}
	}
	res, err := c.Execute(stepCtx, description, snap.Render(e.Config.Context.Categories))
	if err != nil && res.Err == "" {
		res.Err = err.Error()
	}
	return res
}

// persistStep writes the step mutation, the task's iteration bump and
// the progress event in one transaction, so checkpoints never observe a
// half-written step status.
func (e Engine) persistStep(ctx context.Context, t *domain.Task, s *domain.Step, evtType string, payload events.EventPayload) error {
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStep(ctx, tx, *s); err != nil {
		return err
	}
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "step", s.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) setTaskStatus(ctx context.Context, t *domain.Task, status, evtType string, payload events.EventPayload) error {
	t.Status = status
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = status
	if err := e.Events.Append(ctx, tx, evtType, "task", t.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) checkpointTask(ctx context.Context, t *domain.Task, reason string) error {
	cp, err := e.Checkpoints.Save(*t)
	if err != nil {
		return err
	}
	return e.appendEvent(ctx, "checkpoint.saved", "checkpoint", cp.ID, events.EventPayload{
		"task":      t.ID,
		"iteration": cp.Iteration,
		"reason":    reason,
	})
}

func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Resume reconstructs a task from a checkpoint and re-enters the run
// loop at the first pending step. Completed steps are never re-executed;
// failed steps are reset to pending so a fixed environment can retry
// them. A corrupt snapshot aborts before any state is touched.
func (e Engine) Resume(ctx context.Context, checkpointID string) (domain.Task, error) {
	cp, err := e.Checkpoints.Load(checkpointID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:        cp.TaskID,
		Objective: cp.Objective,
		Category:  cp.Category,
		Status:    domain.TaskPaused,
		Iteration: cp.Iteration,
		Steps:     cp.Steps,
		CreatedAt: cp.CreatedAt,
		UpdatedAt: now,
	}
	for i := range t.Steps {
		if t.Steps[i].Status == domain.StepFailed {
			t.Steps[i].Status = domain.StepPending
			t.Steps[i].ErrorDetail = nil
		}
	}
	existing, err := e.Repo.GetTask(ctx, cp.TaskID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := e.insertRestoredTask(ctx, t); err != nil {
			return domain.Task{}, err
		}
	case err != nil:
		return domain.Task{}, err
	default:
		t.CreatedAt = existing.CreatedAt
		if err := e.reconcileRestoredTask(ctx, t); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.appendEvent(ctx, "task.resumed", "task", t.ID, events.EventPayload{
		"checkpoint": checkpointID,
		"iteration":  cp.Iteration,
	}); err != nil {
		return domain.Task{}, err
	}
	return e.RunTask(ctx, t.ID)
}

func (e Engine) insertRestoredTask(ctx context.Context, t domain.Task) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return err
	}
	for _, s := range t.Steps {
		if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) reconcileRestoredTask(ctx context.Context, t domain.Task) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	for _, s := range t.Steps {
		if err := e.Repo.UpdateStep(ctx, tx, s); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
