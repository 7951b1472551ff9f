// Package engine drives graph traversal for a single run: it executes nodes,
// accumulates the execution context, records NodeRuns and decides the run's
// terminal status.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookflow/hookflow/internal/actions"
	"github.com/hookflow/hookflow/internal/egress"
	"github.com/hookflow/hookflow/internal/events"
	"github.com/hookflow/hookflow/internal/expressions"
	"github.com/hookflow/hookflow/internal/graph"
	"github.com/hookflow/hookflow/internal/logging"
	"github.com/hookflow/hookflow/internal/store"
	"github.com/hookflow/hookflow/pkg/schema"
)

// nodeRunFinishTimeout bounds the detached FinishNodeRun write after a node
// whose own context has already expired.
const nodeRunFinishTimeout = 5 * time.Second

// RunStore is the slice of the persistence layer the engine needs.
type RunStore interface {
	CreateNodeRun(ctx context.Context, nr *store.NodeRun) error
	FinishNodeRun(ctx context.Context, id string, status schema.NodeRunStatus, outputs map[string]any, nodeErr string) error
	RenewLease(ctx context.Context, runID, workerID string) error
}

// SecretSource resolves a user's stored secrets at run start. Satisfied by
// the secrets vault.
type SecretSource interface {
	ResolveAll(ctx context.Context, userID string) (map[string]string, error)
}

// Config carries run-independent engine inputs.
type Config struct {
	// Egress is the base outbound policy; a snapshot's _egress_allowlist
	// extends its allow list per run.
	Egress egress.Policy

	// Secrets are static values masked out of node outputs.
	Secrets []string

	// Vault, when set, seeds each run's "secrets" context key with the
	// owner's stored secrets; the values join the mask list.
	Vault SecretSource

	// Events, when set, receives a node_finished event after every node.
	Events events.Hub
}

// runScope is the per-run policy and mask list, derived once at run start.
type runScope struct {
	policy  egress.Policy
	secrets []string
}

// Result is the outcome of one run execution. The caller (the worker loop)
// persists the terminal status and writes the dead letter on failure.
type Result struct {
	Status  schema.RunStatus
	Error   string
	Context map[string]any
}

// Engine executes runs. Safe for concurrent use; per-run state lives on the
// stack of Execute.
type Engine struct {
	store    RunStore
	registry *actions.Registry
	expr     *expressions.ExprEngine
	logger   *slog.Logger
	cfg      Config
}

// New creates an Engine.
func New(st RunStore, registry *actions.Registry, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:    st,
		registry: registry,
		expr:     expressions.NewExprEngine(),
		logger:   logger,
		cfg:      cfg,
	}
}

// Execute traverses the run's snapshot graph. Traversal is depth-first with
// successors pushed in reverse edge order, so edges are processed in snapshot
// order; a visited set guards against cycles. Between node executions the
// engine checks for cancellation and renews the lease (workerID != ""), so a
// lost lease aborts at the next node boundary instead of corrupting records.
func (e *Engine) Execute(ctx context.Context, run *store.Run, workerID string) Result {
	ctx = logging.WithRun(ctx, run.WorkflowID, run.ID)

	g, err := graph.Build(run.Snapshot)
	if err != nil {
		e.logger.ErrorContext(ctx, "malformed snapshot", "error", err)
		return Result{Status: schema.RunStatusFailed, Error: err.Error()}
	}

	scope := runScope{policy: e.composePolicy(run.Snapshot), secrets: e.cfg.Secrets}
	execCtx := newExecContext()
	if tc, ok := run.Snapshot[schema.SnapshotKeyTriggerContext].(map[string]any); ok {
		execCtx.set(triggerContextKey(g), tc)
	}
	if res, stop := e.seedSecrets(ctx, run, execCtx, &scope); stop {
		return res
	}

	stack := e.seedFrontier(g, run.Snapshot)
	visited := make(map[string]struct{}, g.Len())

	for len(stack) > 0 {
		if res, stop := e.checkpoint(ctx, run, workerID, execCtx); stop {
			return res
		}

		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		node := g.Node(id)
		if node == nil {
			// Dangling edge target: unreachable, not an error.
			continue
		}

		output, selected, nodeErr := e.executeNode(ctx, run, g, node, execCtx, scope)
		if nodeErr != nil {
			if stopOnError(node) || node.Kind != schema.NodeKindAction {
				return Result{
					Status:  schema.RunStatusFailed,
					Error:   nodeErr.Error(),
					Context: execCtx.exported(),
				}
			}
			e.logger.WarnContext(ctx, "node failed, continuing", "node_id", node.ID, "error", nodeErr)
			execCtx.set(contextKey(node), map[string]any{"error": nodeErr.Error()})
		} else {
			execCtx.set(contextKey(node), output)
		}

		if nodeErr == nil && selected != nil {
			// Branching node: follow the selected edge only. An empty
			// selection means the branch terminates here.
			if *selected != "" {
				if _, seen := visited[*selected]; !seen {
					stack = append(stack, *selected)
				}
			}
			continue
		}
		// Fan-out: push every outgoing edge target, reversed so the first
		// edge in snapshot order is processed first.
		edges := g.Outgoing(node.ID)
		for i := len(edges) - 1; i >= 0; i-- {
			if _, seen := visited[edges[i].Target]; !seen {
				stack = append(stack, edges[i].Target)
			}
		}
	}

	return Result{Status: schema.RunStatusSucceeded, Context: execCtx.exported()}
}

// seedSecrets resolves the run owner's vault secrets into the reserved
// "secrets" context key and adds their values to the run's mask list. A vault
// failure fails the run rather than silently executing with missing
// credentials.
func (e *Engine) seedSecrets(ctx context.Context, run *store.Run, execCtx *execContext, scope *runScope) (Result, bool) {
	if e.cfg.Vault == nil {
		return Result{}, false
	}
	resolved, err := e.cfg.Vault.ResolveAll(ctx, run.UserID)
	if err != nil {
		e.logger.ErrorContext(ctx, "secret resolution failed", "error", err)
		return Result{
			Status: schema.RunStatusFailed,
			Error:  schema.NewError(schema.ErrCodeVault, "resolve secrets").WithCause(err).Error(),
		}, true
	}
	if len(resolved) == 0 {
		return Result{}, false
	}
	values := make(map[string]any, len(resolved))
	mask := make([]string, len(scope.secrets), len(scope.secrets)+len(resolved))
	copy(mask, scope.secrets)
	for key, value := range resolved {
		values[key] = value
		mask = append(mask, value)
	}
	execCtx.set("secrets", values)
	scope.secrets = mask
	return Result{}, false
}

// seedFrontier picks the traversal entry: an explicit _start_from_node when
// present and valid, otherwise the trigger nodes in snapshot order, otherwise
// the first node of a trigger-less graph.
func (e *Engine) seedFrontier(g *graph.Graph, snapshot map[string]any) []string {
	if start, ok := snapshot[schema.SnapshotKeyStartFromNode].(string); ok && start != "" {
		if g.Node(start) != nil {
			return []string{start}
		}
	}
	triggers := g.Triggers()
	if len(triggers) == 0 {
		if first := g.First(); first != nil {
			return []string{first.ID}
		}
		return nil
	}
	stack := make([]string, 0, len(triggers))
	for i := len(triggers) - 1; i >= 0; i-- {
		stack = append(stack, triggers[i].ID)
	}
	return stack
}

// checkpoint runs at every node boundary: it observes the run deadline and
// cancellation, and renews the lease so another worker's reclaim is noticed
// promptly.
func (e *Engine) checkpoint(ctx context.Context, run *store.Run, workerID string, execCtx *execContext) (Result, bool) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{
				Status:  schema.RunStatusFailed,
				Error:   schema.NewError(schema.ErrCodeTimeout, "run deadline exceeded").Error(),
				Context: execCtx.exported(),
			}, true
		}
		return Result{
			Status:  schema.RunStatusCancelled,
			Error:   "run cancelled: " + err.Error(),
			Context: execCtx.exported(),
		}, true
	}
	if workerID == "" {
		return Result{}, false
	}
	if err := e.store.RenewLease(ctx, run.ID, workerID); err != nil {
		e.logger.WarnContext(ctx, "lease renewal failed, aborting run", "error", err)
		return Result{
			Status:  schema.RunStatusCancelled,
			Error:   "lease lost: " + err.Error(),
			Context: execCtx.exported(),
		}, true
	}
	return Result{}, false
}

// executeNode runs one node and records its NodeRun. It returns the node's
// output, the explicitly selected successor (non-nil for branching nodes,
// empty string when the branch terminates) and the node error, if any.
func (e *Engine) executeNode(ctx context.Context, run *store.Run, g *graph.Graph, node *graph.Node, execCtx *execContext, scope runScope) (map[string]any, *string, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	started := time.Now().UTC()

	nr := &store.NodeRun{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		NodeID:    node.ID,
		Name:      nodeName(node),
		Type:      node.Kind,
		Inputs:    node.Data,
		Status:    schema.NodeRunStatusRunning,
		StartedAt: started,
	}
	if err := e.store.CreateNodeRun(ctx, nr); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "record node run").WithCause(err).WithNode(node.ID)
	}

	output, selected, err := e.dispatch(ctx, run, g, node, execCtx, scope)

	status := schema.NodeRunStatusSucceeded
	errMsg := ""
	if err != nil {
		status = schema.NodeRunStatusFailed
		errMsg = err.Error()
	} else if skipped, _ := output["skipped"].(bool); skipped {
		status = schema.NodeRunStatusSkipped
	}
	// The record goes terminal on a detached context: an expired run
	// deadline must not leave the NodeRun stuck in running.
	finishCtx, finishDone := context.WithTimeout(context.WithoutCancel(ctx), nodeRunFinishTimeout)
	ferr := e.store.FinishNodeRun(finishCtx, nr.ID, status, output, errMsg)
	finishDone()
	if ferr != nil {
		e.logger.ErrorContext(ctx, "failed to finish node run", "error", ferr)
	}
	e.logger.InfoContext(ctx, "node finished",
		"status", string(status),
		"duration_ms", time.Since(started).Milliseconds())

	if e.cfg.Events != nil {
		_ = e.cfg.Events.Publish(ctx, events.RunEvent{
			RunID:      run.ID,
			WorkflowID: run.WorkflowID,
			NodeID:     node.ID,
			Type:       events.TypeNodeFinished,
			Payload:    map[string]any{"status": string(status)},
			At:         time.Now().UTC(),
		})
	}

	return output, selected, err
}

// dispatch routes a node to its executor by kind. Unknown kinds are skipped,
// keeping graphs from newer editors forward-compatible.
func (e *Engine) dispatch(ctx context.Context, run *store.Run, g *graph.Graph, node *graph.Node, execCtx *execContext, scope runScope) (map[string]any, *string, error) {
	switch node.Kind {
	case schema.NodeKindTrigger:
		return executeTrigger(node, execCtx), nil, nil
	case schema.NodeKindCondition:
		return e.executeCondition(ctx, g, node, execCtx)
	case schema.NodeKindAction:
		out, err := e.executeAction(ctx, run, node, execCtx, scope)
		return out, nil, err
	default:
		return map[string]any{"skipped": true, "reason": "unsupported node kind"}, nil, nil
	}
}

// composePolicy extends the base egress allow list with the snapshot's
// per-run grants.
func (e *Engine) composePolicy(snapshot map[string]any) egress.Policy {
	policy := e.cfg.Egress
	extra, ok := snapshot[schema.SnapshotKeyEgressAllowlist].([]any)
	if !ok {
		return policy
	}
	hosts := make([]string, 0, len(extra))
	for _, h := range extra {
		if s, ok := h.(string); ok {
			hosts = append(hosts, s)
		}
	}
	policy.Allow = egress.NormalizeHosts(policy.Allow, hosts)
	return policy
}

func nodeName(node *graph.Node) string {
	if label, ok := node.Data["label"].(string); ok {
		return label
	}
	return ""
}

// stopOnError reports whether a node failure fails the whole run. Default
// true; only action nodes may opt into continuation with stopOnError: false.
func stopOnError(node *graph.Node) bool {
	if v, ok := node.Data["stopOnError"].(bool); ok {
		return v
	}
	return true
}
