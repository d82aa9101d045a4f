package steps

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultWait is used when config.duration does not parse.
const DefaultWait = time.Second

var waitPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

var waitUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseWaitDuration parses the strict <number><unit> grammar (ms, s, m, h, d).
// Values that do not fit in a time.Duration are rejected.
func ParseWaitDuration(s string) (time.Duration, bool) {
	m := waitPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	unit := waitUnits[m[2]]
	if n > math.MaxInt64/int64(unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// WaitHandler suspends the execution for config.duration.
type WaitHandler struct {
	logger *slog.Logger
}

// NewWaitHandler creates a wait handler.
func NewWaitHandler(logger *slog.Logger) *WaitHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WaitHandler{logger: logger}
}

func (h *WaitHandler) Type() schema.StepType { return schema.StepTypeWait }

func (h *WaitHandler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	raw := rules.Interpolate(stringParam(req.Config(), "duration", ""), req.Vars)
	d, ok := ParseWaitDuration(raw)
	out := map[string]any{}
	if !ok {
		d = DefaultWait
		out["warning"] = "invalid duration " + strconv.Quote(raw) + ", waited " + DefaultWait.String()
		logging.LogWith(ctx, h.logger).Warn("invalid wait duration, using default",
			"duration", raw, "default", DefaultWait)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out["waited"] = d.Milliseconds()
	return &Outcome{Output: out}, nil
}
