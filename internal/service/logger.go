package service

import (
	"context"
	"log/slog"

	"github.com/matt-riley/assignz/internal/core"
)

// AssignmentLogger receives events for assignments and bandit actions that
// should be recorded for analysis. Implementations must be safe for
// concurrent use and should not block.
type AssignmentLogger interface {
	LogAssignment(ctx context.Context, event core.AssignmentEvent)
	LogBanditAction(ctx context.Context, event core.BanditEvent)
}

type noopAssignmentLogger struct{}

func (noopAssignmentLogger) LogAssignment(context.Context, core.AssignmentEvent) {}
func (noopAssignmentLogger) LogBanditAction(context.Context, core.BanditEvent)   {}

// SlogAssignmentLogger writes events as debug records.
type SlogAssignmentLogger struct {
	Logger *slog.Logger
}

func (l SlogAssignmentLogger) LogAssignment(ctx context.Context, e core.AssignmentEvent) {
	attrs := []any{
		"feature_flag", e.FeatureFlag,
		"allocation", e.Allocation,
		"experiment", e.Experiment,
		"variation", e.Variation,
		"subject", e.Subject,
	}
	for k, v := range e.ExtraLogging {
		attrs = append(attrs, slog.String("extra."+k, v))
	}
	l.logger().DebugContext(ctx, "assignment", attrs...)
}

func (l SlogAssignmentLogger) LogBanditAction(ctx context.Context, e core.BanditEvent) {
	l.logger().DebugContext(ctx, "bandit action",
		"flag_key", e.FlagKey,
		"bandit_key", e.BanditKey,
		"subject", e.Subject,
		"action", e.Action,
		"action_probability", e.ActionProbability,
		"optimality_gap", e.OptimalityGap,
		"model_version", e.ModelVersion,
	)
}

func (l SlogAssignmentLogger) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
