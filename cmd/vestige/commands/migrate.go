package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply metadata store migrations",
	Long: `Apply the embedded goose migrations to the database named by
DATABASE_URL. The server also migrates on startup; this command exists for
init containers and CI pipelines that migrate before rollout.`,
	Run: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) {
	HandleError(setupLog(logLevelFlags), "Failed to setup logging")
	logger := logging.GetLogger("migrate")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		HandleError(fmt.Errorf("DATABASE_URL must be set"), "Configuration error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	HandleError(store.Migrate(ctx, dsn), "Migration error")
	logger.Info("Migrations applied")
}
