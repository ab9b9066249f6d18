package manager

import (
	"context"

	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/session"
)

//go:generate mockgen -destination=mocks/mock_session.go -package=mocks github.com/mattjoyce/tether/internal/manager PluginSession

// PluginSession is the slice of a plugin session the manager drives. The
// concrete implementation is session.Session; the indirection lets routing,
// journaling, and passthrough logic be exercised without spawning processes.
type PluginSession interface {
	ID() string
	Plugin() string
	Phase() session.Phase
	Snapshot() session.Snapshot
	Done() <-chan struct{}
	TerminateReason() session.TerminateReason
	Initialize(ctx context.Context) (*protocol.InitializeResult, error)
	Execute(ctx context.Context, params protocol.ExecuteParams, onStream func(data string)) (*session.ExecuteResult, error)
	SendInput(ctx context.Context, content string, onStream func(data string)) (*session.ExecuteResult, error)
	Shutdown(ctx context.Context) error
	Kill(reason session.TerminateReason)
}

// SpawnFunc starts one plugin process and returns its session.
type SpawnFunc func(params session.Params) (PluginSession, error)
