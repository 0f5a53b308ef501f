package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/timetable-api/internal/repository"
	"github.com/noah-isme/timetable-api/internal/service"
	"github.com/noah-isme/timetable-api/pkg/database"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		input   string
		migrate bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a YAML snapshot as reference data in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := readSnapshot(input)
			if err != nil {
				return err
			}
			db, err := database.NewPostgres(a.cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close() //nolint:errcheck

			if migrate {
				if err := database.RunMigrations(db.DB, a.logger); err != nil {
					return fmt.Errorf("run migrations: %w", err)
				}
			}

			importer := service.NewSnapshotImporter(service.SnapshotWriters{
				Specialties: repository.NewSpecialtyRepository(db),
				Modules:     repository.NewModuleRepository(db),
				Trainers:    repository.NewTrainerRepository(db),
				Sessions:    repository.NewSessionRepository(db),
			}, db, a.logger)
			summary, err := importer.Import(cmd.Context(), snap)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "snapshot YAML file")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations first")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
