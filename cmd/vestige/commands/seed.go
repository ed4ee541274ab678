package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/postgres"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
)

var (
	seedSchema   string
	seedService  string
	seedName     string
	seedVersion  string
	seedOrder    []string
	seedArtifact string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register an already-seeded schema as a template",
	Long: `Register an existing Postgres schema as a template environment so
runtime environments can be cloned from it. The schema must already exist and
contain the seed data; registration records the catalog row and applies
REPLICA IDENTITY FULL to every table so journal capture sees full before
images. Run 'vestige migrate' first.`,
	Run: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedSchema, "schema", "", "Schema holding the seed data (required)")
	seedCmd.Flags().StringVar(&seedService, "service", "", "Service the template emulates, e.g. crm (required)")
	seedCmd.Flags().StringVar(&seedName, "name", "", "Template name (required)")
	seedCmd.Flags().StringVar(&seedVersion, "version", "1", "Template version")
	seedCmd.Flags().StringSliceVar(&seedOrder, "seed-order", nil, "FK-safe table order for cloning (optional)")
	seedCmd.Flags().StringVar(&seedArtifact, "artifact", "", "Register an artifact URI instead of a schema")
}

func runSeed(cmd *cobra.Command, args []string) {
	HandleError(setupLog(logLevelFlags), "Failed to setup logging")
	logger := logging.GetLogger("seed")

	if seedService == "" || seedName == "" {
		HandleError(fmt.Errorf("--service and --name are required"), "Usage error")
	}
	if seedSchema == "" && seedArtifact == "" {
		HandleError(fmt.Errorf("one of --schema or --artifact is required"), "Usage error")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		HandleError(fmt.Errorf("DATABASE_URL must be set"), "Configuration error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pgConfig := postgres.DefaultClientConfig()
	pgConfig.DSN = dsn
	pgClient := postgres.NewClient(pgConfig)
	HandleError(pgClient.Connect(ctx), "Database connection error")
	defer pgClient.Close()

	st := store.New(pgClient)
	templates := template.NewManager(st, namespace.NewHandler(pgClient))

	tmpl := &models.TemplateEnvironment{
		Service:   seedService,
		Name:      seedName,
		Version:   seedVersion,
		Kind:      models.TemplateKindSchema,
		Location:  seedSchema,
		SeedOrder: seedOrder,
	}
	if seedArtifact != "" {
		tmpl.Kind = models.TemplateKindArtifact
		tmpl.Location = seedArtifact
	}

	HandleError(templates.Register(ctx, tmpl), "Template registration error")
	logger.Info("Template %s/%s@%s registered as %s", tmpl.Service, tmpl.Name, tmpl.Version, tmpl.ID)
}
