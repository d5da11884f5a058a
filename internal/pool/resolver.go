package pool

import (
	"context"

	"github.com/webrobots/orchestrator/internal/robot"
)

// StaticResolver hands every user the same proxy configuration. Deployments
// with per-user proxy plans swap in their own resolver.
type StaticResolver struct {
	creds robot.Credentials
}

// NewStaticResolver builds a resolver returning fixed credentials.
func NewStaticResolver(creds robot.Credentials) *StaticResolver {
	return &StaticResolver{creds: creds}
}

// Resolve returns the configured credentials for any user.
func (r *StaticResolver) Resolve(context.Context, string) (robot.Credentials, error) {
	return r.creds, nil
}
