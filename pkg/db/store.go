package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/uptrace/bun"
)

// Store is the entity store for runs, their statuses, agents and users.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return perr.NotFound(kind, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if _, err := s.db.NewInsert().Model(run).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, guid string) (*models.Run, error) {
	run := new(models.Run)
	if err := s.db.NewSelect().Model(run).Where("guid = ?", guid).Scan(ctx); err != nil {
		return nil, notFound(err, "run", guid)
	}
	return run, nil
}

// UpdateRun persists the given columns, or every column when none are
// named.
func (s *Store) UpdateRun(ctx context.Context, run *models.Run, columns ...string) error {
	q := s.db.NewUpdate().Model(run).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return perr.NotFound("run", run.GUID)
	}
	return nil
}

func (s *Store) DeleteRun(ctx context.Context, guid string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.Status)(nil)).Where("run_guid = ?", guid).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete statuses: %w", err)
		}
		if _, err := tx.NewDelete().Model((*models.Run)(nil)).Where("guid = ?", guid).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		return nil
	})
}

func (s *Store) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	var runs []*models.Run
	q := s.db.NewSelect().Model(&runs).Order("created DESC")
	if filter.Username != "" {
		q = q.Where("username = ?", filter.Username)
	}
	if filter.AgentName != "" {
		q = q.Where("agent_name = ?", filter.AgentName)
	}
	if len(filter.States) > 0 {
		q = q.Where("job_status IN (?)", bun.In(filter.States))
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created < ?", filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// WriteStatus persists the run columns and appends the status in one
// transaction. publish runs last inside it, so a failed publish rolls both
// writes back.
func (s *Store) WriteStatus(ctx context.Context, w models.StatusWrite, publish func(context.Context) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		columns := []string{"updated"}
		for _, c := range w.Columns {
			if c != "updated" {
				columns = append(columns, c)
			}
		}

		q := tx.NewUpdate().Model(w.Run).Column(columns...).WherePK()
		if w.RequireActive {
			q = q.Where("job_status NOT IN (?)", bun.In(models.TerminalStates))
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			if w.RequireActive {
				return perr.Newf(perr.CodeConflict, "run %s is already terminal", w.Run.GUID)
			}
			return perr.NotFound("run", w.Run.GUID)
		}

		w.Status.RunGUID = w.Run.GUID
		if _, err := tx.NewInsert().Model(w.Status).Exec(ctx); err != nil {
			return fmt.Errorf("failed to append status: %w", err)
		}

		if publish != nil {
			return publish(ctx)
		}
		return nil
	})
}

func (s *Store) ListStatuses(ctx context.Context, guid string) ([]*models.Status, error) {
	var statuses []*models.Status
	err := s.db.NewSelect().
		Model(&statuses).
		Where("run_guid = ?", guid).
		Order("date ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	return statuses, nil
}

func (s *Store) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	agent := new(models.Agent)
	if err := s.db.NewSelect().Model(agent).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, notFound(err, "agent", name)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	var agents []*models.Agent
	if err := s.db.NewSelect().Model(&agents).Order("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// SaveAgent inserts or replaces an agent by name.
func (s *Store) SaveAgent(ctx context.Context, agent *models.Agent) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.Agent)(nil)).Where("name = ?", agent.Name).Exec(ctx); err != nil {
			return fmt.Errorf("failed to replace agent: %w", err)
		}
		if _, err := tx.NewInsert().Model(agent).Exec(ctx); err != nil {
			return fmt.Errorf("failed to save agent: %w", err)
		}
		return nil
	})
}

func (s *Store) ListAgentPolicies(ctx context.Context, agent string) ([]*models.AgentAccessPolicy, error) {
	var policies []*models.AgentAccessPolicy
	if err := s.db.NewSelect().Model(&policies).Where("agent_name = ?", agent).Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// SavePolicy sets the role of a user on an agent.
func (s *Store) SavePolicy(ctx context.Context, policy *models.AgentAccessPolicy) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*models.AgentAccessPolicy)(nil)).
			Where("agent_name = ?", policy.AgentName).
			Where("username = ?", policy.Username).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to replace policy: %w", err)
		}
		if _, err := tx.NewInsert().Model(policy).Exec(ctx); err != nil {
			return fmt.Errorf("failed to save policy: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	if err := s.db.NewSelect().Model(user).Where("username = ?", username).Scan(ctx); err != nil {
		return nil, notFound(err, "user", username)
	}
	return user, nil
}

func (s *Store) SaveUser(ctx context.Context, user *models.User) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.User)(nil)).Where("username = ?", user.Username).Exec(ctx); err != nil {
			return fmt.Errorf("failed to replace user: %w", err)
		}
		if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		return nil
	})
}
