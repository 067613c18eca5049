// Package kanban implements the task status graph, claim/progress/
// complete/fail/delegate transitions, dependency-unblocking template
// resolution, and the timeout sweep, over a backlog/todo/in_progress/
// review/done graph with back-edges.
package kanban

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/bus"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/pkg/observability"
)

const (
	defaultMaxRetries = 3

	// EventTaskClaimed through EventTaskTimeoutDeadLetter are the bus event
	// types published on the task's team channel (and, where noted, the
	// assigned agent's channel) by each transition.
	EventTaskClaimed           = "task:claimed"
	EventTaskPush              = "task:push"
	EventTaskProgress          = "task:progress"
	EventTaskUpdated           = "task:updated"
	EventTaskRetry             = "task:retry"
	EventTaskDeadLetter        = "task:dead_letter"
	EventTaskUnblocked         = "task:unblocked"
	EventTaskTimeoutRetry      = "task:timeout_retry"
	EventTaskTimeoutDeadLetter = "task:timeout_dead_letter"
)

func teamChannel(teamUUID string) string   { return "team:" + teamUUID }
func agentChannel(agentUUID string) string { return "agent:" + agentUUID }

// Engine drives task transitions and publishes the resulting events.
type Engine struct {
	store   *store.Store
	bus     *bus.Bus
	log     *slog.Logger
	metrics *observability.Metrics
}

// New constructs an Engine.
func New(st *store.Store, b *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, bus: b, log: logger}
}

// SetMetrics attaches a Prometheus recorder for task transitions. A nil
// metrics value (the default) makes every recording a no-op.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// StartTask claims a task for agentUUID. The agent must
// belong to the task's team and the task must not already be assigned.
func (e *Engine) StartTask(ctx context.Context, taskUUID, agentUUID string) (*store.KanbanTask, error) {
	task, err := e.store.GetTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	agent, err := e.store.GetAgent(ctx, agentUUID)
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, err, "agent %s not found", agentUUID)
	}
	if agent.TeamUUID != task.TeamUUID {
		e.metrics.RecordTaskClaim("not_member")
		return nil, apierr.New(apierr.Authorization, "agent %s is not a member of team %s", agentUUID, task.TeamUUID)
	}
	if task.AssignedAgent != "" {
		e.metrics.RecordTaskClaim("conflict")
		return nil, apierr.New(apierr.Conflict, "task %s is already assigned", taskUUID)
	}

	now := time.Now().UTC()
	task.AssignedAgent = agentUUID
	task.Status = store.TaskStatusInProgress
	task.StartedAt = &now

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist claim: %w", err)
	}

	e.metrics.RecordTaskClaim("claimed")
	e.bus.Publish(teamChannel(task.TeamUUID), EventTaskClaimed, task)
	e.bus.Publish(agentChannel(agentUUID), EventTaskPush, task)
	return task, nil
}

// ProgressTask updates the in-progress counters and publishes the computed
// percent (0 when total is 0).
func (e *Engine) ProgressTask(ctx context.Context, taskUUID string, current, total int, message string) (*store.KanbanTask, error) {
	task, err := e.store.GetTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	task.ProgressCurrent = &current
	task.ProgressTotal = &total
	task.ProgressMessage = message

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist progress: %w", err)
	}

	percent := 0
	if total != 0 {
		percent = int(math.Round(100 * float64(current) / float64(total)))
	}
	e.bus.Publish(teamChannel(task.TeamUUID), EventTaskProgress, map[string]any{
		"task_uuid": taskUUID, "current": current, "total": total, "message": message, "percent": percent,
	})
	return task, nil
}

// CompleteTask finishes a task. moveToReview routes the
// task to review instead of done; on a direct-to-done completion,
// dependency unblocking runs.
func (e *Engine) CompleteTask(ctx context.Context, taskUUID, actorAgentUUID, result string, output map[string]any, moveToReview bool) (*store.KanbanTask, error) {
	task, err := e.store.GetTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if task.AssignedAgent != actorAgentUUID {
		return nil, apierr.New(apierr.Authorization, "actor %s is not the assigned agent for task %s", actorAgentUUID, taskUUID)
	}

	now := time.Now().UTC()
	if moveToReview {
		task.Status = store.TaskStatusReview
	} else {
		task.Status = store.TaskStatusDone
	}
	task.CompletedAt = &now
	task.LastError = result
	if output != nil {
		task.Output = output
	}

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist completion: %w", err)
	}
	e.metrics.RecordTaskCompletion(task.Status)
	e.bus.Publish(teamChannel(task.TeamUUID), EventTaskUpdated, task)

	if task.Status == store.TaskStatusDone {
		if err := e.unblockDependents(ctx, task); err != nil {
			e.log.Error("dependency unblocking failed", "task", taskUUID, "error", err)
		}
	}
	return task, nil
}

// FailTask applies retry-or-dead-letter branching.
func (e *Engine) FailTask(ctx context.Context, taskUUID, actorAgentUUID, errMsg string) (*store.KanbanTask, error) {
	task, err := e.store.GetTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if task.AssignedAgent != actorAgentUUID {
		return nil, apierr.New(apierr.Authorization, "actor %s is not the assigned agent for task %s", actorAgentUUID, taskUUID)
	}

	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	task.RetryCount++

	if task.RetryCount <= maxRetries {
		task.AssignedAgent = ""
		task.Status = store.TaskStatusTodo
		task.LastError = fmt.Sprintf("RETRY %d/%d: %s", task.RetryCount, maxRetries, errMsg)
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("persist retry: %w", err)
		}
		e.metrics.RecordTaskRetry()
		e.bus.Publish(teamChannel(task.TeamUUID), EventTaskRetry, task)
		return task, nil
	}

	task.Status = store.TaskStatusDone
	task.LastError = fmt.Sprintf("FAILED (%d attempts): %s", task.RetryCount, errMsg)
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist dead letter: %w", err)
	}
	e.metrics.RecordTaskDeadLetter()
	e.bus.Publish(teamChannel(task.TeamUUID), EventTaskDeadLetter, task)
	return task, nil
}

// DelegateTask creates a new task in the same team, tagged with a required
// capability (modeled as the first tag). A non-empty dependsOn starts the
// task locked in backlog; otherwise it starts claimable in todo.
func (e *Engine) DelegateTask(ctx context.Context, teamUUID, createdByAgent, title, description, requiredCapability string, dependsOn []string, timeoutMs *int, maxRetries int) (*store.KanbanTask, error) {
	status := store.TaskStatusTodo
	if len(dependsOn) > 0 {
		status = store.TaskStatusBacklog
	}
	task := &store.KanbanTask{
		TaskUUID:       uuid.NewString(),
		TeamUUID:       teamUUID,
		Title:          title,
		Description:    description,
		Status:         status,
		Priority:       "medium",
		Tags:           []string{requiredCapability},
		CreatedByAgent: createdByAgent,
		DependsOn:      dependsOn,
		TimeoutMs:      timeoutMs,
		MaxRetries:     maxRetries,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create delegated task: %w", err)
	}
	return task, nil
}

// unblockDependents walks dependency unblocking: for every
// same-team backlog task depending on completed, promote to todo once every
// dependency is done, resolving {{task_uuid.output.path}} /
// {{task_uuid.result}} references into a human-readable description block.
func (e *Engine) unblockDependents(ctx context.Context, completed *store.KanbanTask) error {
	candidates, err := e.store.BacklogTasksDependingOn(ctx, completed.TeamUUID, completed.TaskUUID)
	if err != nil {
		return fmt.Errorf("query dependents: %w", err)
	}

	for _, dep := range candidates {
		allDone, depTasks, err := e.allDependenciesDone(ctx, dep.DependsOn)
		if err != nil {
			return err
		}
		if !allDone {
			continue
		}

		if dep.InputMapping != nil {
			dep.Description = appendResolvedMapping(dep.Description, dep.InputMapping, depTasks)
		}
		dep.Status = store.TaskStatusTodo
		if err := e.store.UpdateTask(ctx, dep); err != nil {
			return fmt.Errorf("promote dependent %s: %w", dep.TaskUUID, err)
		}
		e.bus.Publish(teamChannel(dep.TeamUUID), EventTaskUnblocked, dep)
	}
	return nil
}

func (e *Engine) allDependenciesDone(ctx context.Context, dependsOn []string) (bool, map[string]*store.KanbanTask, error) {
	tasks := make(map[string]*store.KanbanTask, len(dependsOn))
	for _, id := range dependsOn {
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return false, nil, fmt.Errorf("load dependency %s: %w", id, err)
		}
		tasks[id] = t
		if t.Status != store.TaskStatusDone {
			return false, tasks, nil
		}
	}
	return true, tasks, nil
}

// SweepTimeouts finds in_progress tasks past their deadline and applies
// fail semantics with a timeout error message.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := e.store.InProgressTasksPastTimeout(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query timed-out tasks: %w", err)
	}

	for _, t := range due {
		errMsg := fmt.Sprintf("Timed out after %dms", *t.TimeoutMs)
		updated, err := e.FailTask(ctx, t.TaskUUID, t.AssignedAgent, errMsg)
		if err != nil {
			e.log.Error("timeout sweep fail transition failed", "task", t.TaskUUID, "error", err)
			continue
		}
		evt := EventTaskTimeoutRetry
		if updated.Status == store.TaskStatusDone {
			evt = EventTaskTimeoutDeadLetter
		}
		e.bus.Publish(teamChannel(updated.TeamUUID), evt, updated)
	}
	return len(due), nil
}

// StartSweeper registers a recurring SweepTimeouts job on the given cron
// schedule (e.g. "@every 10s") and starts the scheduler, returning a stop
// function for graceful shutdown.
func (e *Engine) StartSweeper(schedule string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if n, err := e.SweepTimeouts(context.Background()); err != nil {
			e.log.Error("task timeout sweep failed", "error", err)
		} else if n > 0 {
			e.log.Info("task timeout sweep completed", "tasks", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule timeout sweep: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// appendResolvedMapping resolves {{task_uuid.output.path}} and
// {{task_uuid.result}} references in mapping's values against depTasks,
// leaving unknown references verbatim, and appends a readable block.
func appendResolvedMapping(description string, mapping map[string]any, depTasks map[string]*store.KanbanTask) string {
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n\n--- Inputs from dependencies ---\n")
	for key, raw := range mapping {
		ref, ok := raw.(string)
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("%s: %s\n", key, resolveTaskReference(ref, depTasks)))
	}
	return b.String()
}

func resolveTaskReference(ref string, depTasks map[string]*store.KanbanTask) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(ref, "{{"), "}}")
	parts := strings.Split(trimmed, ".")
	if len(parts) < 2 {
		return ref
	}
	task, ok := depTasks[parts[0]]
	if !ok {
		return ref
	}

	switch parts[1] {
	case "result":
		return task.LastError
	case "output":
		if task.Output == nil || len(parts) < 3 {
			return ref
		}
		v, ok := traverseOutput(task.Output, parts[2:])
		if !ok {
			return ref
		}
		return fmt.Sprintf("%v", v)
	default:
		return ref
	}
}

func traverseOutput(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
