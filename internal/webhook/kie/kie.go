package kie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/grantlinehq/grantline/internal/config"
	taskdomain "github.com/grantlinehq/grantline/internal/task/domain"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	TaskSvc taskdomain.Service
}

type Reconciler struct {
	log     *zap.Logger
	client  *Client
	taskSvc taskdomain.Service
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		log:     p.Log.Named("webhook.kie"),
		client:  NewClient(p.Cfg.Kie.APIBaseURL, p.Cfg.Kie.APIKey, p.Cfg.Kie.RequestTimeout),
		taskSvc: p.TaskSvc,
	}
}

func (r *Reconciler) Provider() webhookeventdomain.Provider {
	return webhookeventdomain.ProviderKie
}

// Verify is a pass-through: Kie callbacks carry no signature. The callback
// URL path is unguessable and the dedupe store bounds the damage of a
// spoofed delivery to one settle attempt against an existing task.
func (r *Reconciler) Verify(ctx context.Context, req webhookdomain.Request) error {
	if req.PathParam("taskId") == "" {
		return webhookdomain.ErrInvalidEvent
	}
	return nil
}

func (r *Reconciler) Identify(ctx context.Context, req webhookdomain.Request) (webhookdomain.EventInfo, error) {
	taskID := req.PathParam("taskId")
	subTaskID := req.PathParam("subTaskId")
	if taskID == "" {
		return webhookdomain.EventInfo{}, webhookdomain.ErrInvalidEvent
	}
	// The event id comes from the path, not the body, so dedupe still works
	// when the body is unparseable.
	eventID := taskID
	if subTaskID != "" {
		eventID = taskID + "/" + subTaskID
	}
	return webhookdomain.EventInfo{EventID: eventID, EventType: "kie.callback"}, nil
}

// Reconcile settles the task from the callback body. A body that fails to
// parse as JSON does not fail the delivery: Kie does not re-send on error,
// so the task state is recovered from the record-lookup endpoint instead.
func (r *Reconciler) Reconcile(ctx context.Context, req webhookdomain.Request) (webhookdomain.Result, error) {
	taskID := req.PathParam("taskId")

	var payload kiePayload
	if err := json.Unmarshal(req.Body, &payload); err != nil || payload.Data.State == "" {
		r.log.Warn("unparseable kie callback, recovering via record lookup",
			zap.String("task_id", taskID), zap.Error(err))
		return r.reconcileFromRecord(ctx, taskID, req.Body)
	}
	return r.settle(ctx, taskID, payload.Data.State, payload.Data.FailMsg, req.Body)
}

func (r *Reconciler) reconcileFromRecord(ctx context.Context, taskID string, rawBody []byte) (webhookdomain.Result, error) {
	record, err := r.client.TaskRecord(ctx, taskID)
	if err != nil {
		// The fallback exists because Kie will not redeliver; an error here
		// still reports success upstream and leaves the task PENDING for
		// manual replay.
		r.log.Error("kie record lookup failed", zap.String("task_id", taskID), zap.Error(err))
		return webhookdomain.Result{Message: "callback unparseable, record lookup failed, task left pending"}, nil
	}
	result, err := r.settle(ctx, taskID, record.State, record.FailMsg, record.ResultJSON)
	if err != nil {
		r.log.Error("kie fallback settle failed", zap.String("task_id", taskID), zap.Error(err))
		return webhookdomain.Result{Message: "callback unparseable, fallback settle failed, task left pending"}, nil
	}
	result.Message = "recovered via record lookup: " + result.Message
	return result, nil
}

func (r *Reconciler) settle(ctx context.Context, taskID, state, failMsg string, result []byte) (webhookdomain.Result, error) {
	switch strings.ToLower(state) {
	case "success", "completed":
		task, err := r.taskSvc.Complete(ctx, webhookeventdomain.ProviderKie, taskID, result)
		if err != nil {
			return webhookdomain.Result{}, r.settleError(err)
		}
		return webhookdomain.Result{Message: fmt.Sprintf("task %d completed", task.ID)}, nil
	case "fail", "failed", "error":
		if failMsg == "" {
			failMsg = "provider reported failure"
		}
		task, err := r.taskSvc.Fail(ctx, webhookeventdomain.ProviderKie, taskID, failMsg)
		if err != nil {
			return webhookdomain.Result{}, r.settleError(err)
		}
		return webhookdomain.Result{Message: fmt.Sprintf("task %d failed, reservation released", task.ID)}, nil
	default:
		return webhookdomain.Result{}, webhookdomain.NewError("unmapped_task_status",
			fmt.Sprintf("kie state %q has no mapping", state), false, nil)
	}
}

func (r *Reconciler) settleError(err error) error {
	switch {
	case errors.Is(err, taskdomain.ErrTaskNotFound):
		return webhookdomain.NewError("task_not_found", "no task for delivery", false, err)
	case errors.Is(err, taskdomain.ErrTaskSettled):
		return webhookdomain.NewError("task_settled", "task already settled", false, err)
	default:
		return webhookdomain.NewError("task_settle_failed", "could not settle task", true, err)
	}
}

type kiePayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID     string          `json:"taskId"`
		State      string          `json:"state"`
		FailMsg    string          `json:"failMsg"`
		ResultJSON json.RawMessage `json:"resultJson"`
	} `json:"data"`
}
