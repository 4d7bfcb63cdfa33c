package cli

import (
	"github.com/3lC4pt41n/ai-org-prototype/internal/config"
	"github.com/3lC4pt41n/ai-org-prototype/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		port        int
		dev         bool
		pprofAddr   string
		dbDriver    string
		dbURL       string
		enableOtel  bool
		stubWorkers bool
		seedDemo    bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:        home,
				Port:        port,
				Dev:         dev,
				PprofAddr:   pprofAddr,
				DBDriver:    dbDriver,
				DBURL:       dbURL,
				EnableOtel:  enableOtel,
				StubWorkers: stubWorkers,
				SeedDemo:    seedDemo,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 3548, "Port for the HTTP API")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")
	cmd.Flags().BoolVar(&stubWorkers, "stub-workers", false, "Run in-process stub workers")
	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "Seed an empty backlog with the demo plan")

	return cmd
}
