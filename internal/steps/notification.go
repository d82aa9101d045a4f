package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/flowpilot/internal/escalation"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/pkg/schema"
)

// NotificationHandler sends config.message to config.recipients over
// config.channel. Delivery failures are logged and only fail the step when
// config.required is true.
type NotificationHandler struct {
	notifier escalation.Notifier
	logger   *slog.Logger
}

// NewNotificationHandler creates a notification handler.
func NewNotificationHandler(notifier escalation.Notifier, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{notifier: notifier, logger: logger}
}

func (h *NotificationHandler) Type() schema.StepType { return schema.StepTypeNotification }

func (h *NotificationHandler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	config := req.Config()
	channel := rules.Interpolate(stringParam(config, "channel", "email"), req.Vars)
	recipients := stringList(rules.InterpolateValue(config["recipients"], req.Vars))
	if recipients == nil {
		recipients = []string{}
	}
	message := rules.Interpolate(stringParam(config, "message", ""), req.Vars)

	out := map[string]any{
		"sent":       true,
		"channel":    channel,
		"recipients": recipients,
		"message":    message,
	}

	d, err := h.notifier.Send(ctx, escalation.Notification{
		Channel:    channel,
		Recipients: recipients,
		Subject:    rules.Interpolate(stringParam(config, "subject", ""), req.Vars),
		Message:    message,
		Metadata: map[string]any{
			"execution_id": req.ExecutionID,
			"workflow_id":  req.WorkflowID,
			"step":         req.Step.Name,
		},
	})
	if err == nil && d.Delivered {
		return &Outcome{Output: out}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out["delivered"] = false
	if err != nil {
		out["delivery_error"] = err.Error()
	}
	logging.LogWith(ctx, h.logger).Warn("notification delivery failed",
		"channel", channel, "recipients", recipients, "error", err)

	if boolParam(config, "required", false) {
		out["sent"] = false
		return &Outcome{Output: out}, schema.NewErrorf(schema.ErrCodeStepExecution,
			"notification on %s not delivered", channel).WithCause(err)
	}
	return &Outcome{Output: out}, nil
}
