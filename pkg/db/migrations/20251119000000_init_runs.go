package migrations

import (
	"context"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, model := range []any{
			(*models.User)(nil),
			(*models.Agent)(nil),
			(*models.AgentAccessPolicy)(nil),
			(*models.Run)(nil),
		} {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}

		_, err := db.NewCreateTable().
			Model((*models.Status)(nil)).
			IfNotExists().
			ForeignKey(`("run_guid") REFERENCES "runs" ("guid") ON DELETE CASCADE`).
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		for _, model := range []any{
			(*models.Status)(nil),
			(*models.Run)(nil),
			(*models.AgentAccessPolicy)(nil),
			(*models.Agent)(nil),
			(*models.User)(nil),
		} {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
