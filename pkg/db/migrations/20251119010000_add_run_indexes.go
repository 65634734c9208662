package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		stmts := []string{
			"CREATE INDEX IF NOT EXISTS runs_username_idx ON runs (username)",
			"CREATE INDEX IF NOT EXISTS runs_job_status_idx ON runs (job_status)",
			"CREATE INDEX IF NOT EXISTS runs_created_idx ON runs (created)",
			"CREATE INDEX IF NOT EXISTS run_statuses_run_guid_idx ON run_statuses (run_guid)",
			"CREATE UNIQUE INDEX IF NOT EXISTS agent_access_policies_agent_user_idx ON agent_access_policies (agent_name, username)",
		}

		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		stmts := []string{
			"DROP INDEX IF EXISTS agent_access_policies_agent_user_idx",
			"DROP INDEX IF EXISTS run_statuses_run_guid_idx",
			"DROP INDEX IF EXISTS runs_created_idx",
			"DROP INDEX IF EXISTS runs_job_status_idx",
			"DROP INDEX IF EXISTS runs_username_idx",
		}

		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	})
}
