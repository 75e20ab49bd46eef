package tasktypes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/repos"
)

// Context is the execution contract between the executor and task
// handlers, the task-level analogue of the teacher's runtime.Context:
// handlers never touch the tasks table directly, they go through this
// object to read parameters and report heartbeats.
type Context struct {
	Ctx    context.Context
	Task   *domain.Task
	Tasks  repos.TaskRepo
	Log    *logger.Logger
	params map[string]any
}

func NewContext(ctx context.Context, task *domain.Task, tasks repos.TaskRepo, log_ *logger.Logger) *Context {
	c := &Context{Ctx: ctx, Task: task, Tasks: tasks, Log: log_}
	_ = c.decodeParameters()
	return c
}

func (c *Context) decodeParameters() error {
	if c.Task == nil || len(c.Task.Parameters) == 0 {
		c.params = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Task.Parameters, &m); err != nil {
		c.params = map[string]any{}
		return fmt.Errorf("decode task parameters: %w", err)
	}
	c.params = m
	return nil
}

// Parameters returns the decoded task parameters; never nil.
func (c *Context) Parameters() map[string]any {
	if c.params == nil {
		c.params = map[string]any{}
	}
	return c.params
}

// Heartbeat records liveness for long-running handlers (spec.md §4.6).
// The executor also records heartbeats on its own HeartbeatEvery ticker,
// so handlers are not required to call this.
func (c *Context) Heartbeat() {
	if c.Tasks == nil || c.Task == nil {
		return
	}
	if _, err := c.Tasks.Heartbeat(repos.DBContext{Ctx: c.Ctx}, c.Task.TaskID); err != nil && c.Log != nil {
		c.Log.Warn("heartbeat failed", "task_id", c.Task.TaskID, "error", err)
	}
}
