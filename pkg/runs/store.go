package runs

import (
	"context"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
)

// Store is the slice of the entity store the manager reads and writes
// directly. Status writes go through the notification bridge.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, guid string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run, columns ...string) error
	DeleteRun(ctx context.Context, guid string) error
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error)
	ListStatuses(ctx context.Context, guid string) ([]*models.Status, error)
	GetAgent(ctx context.Context, name string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	ListAgentPolicies(ctx context.Context, agent string) ([]*models.AgentAccessPolicy, error)
	GetUser(ctx context.Context, username string) (*models.User, error)
}
