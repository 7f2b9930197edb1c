package server

import (
	"context"

	"github.com/matt-riley/assignz/internal/core"
	"github.com/matt-riley/assignz/internal/service"
)

// Service is the part of service.Client the transports depend on.
type Service interface {
	LoadConfiguration(ctx context.Context, flags, bandits, models []byte) error
	Configuration() *core.Configuration
	Version() uint64
	FlagsConfiguration() ([]byte, error)
	BanditKeys() []string
	Assign(ctx context.Context, req core.AssignmentRequest) (core.Assignment, error)
	BanditAction(ctx context.Context, req core.BanditRequest) (core.BanditEvaluation, error)
	Precompute(ctx context.Context, subjectKey string, attrs core.Attributes) (map[string]core.PrecomputedAssignment, error)
}

var _ Service = (*service.Client)(nil)
