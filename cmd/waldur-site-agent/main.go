package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waldur/waldur-site-agent/pkg/agent"
	"github.com/waldur/waldur-site-agent/pkg/config"
	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	mode       string
	logLevel   string
	jsonLog    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, agent.ErrInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "waldur-site-agent",
	Short: "Site-resident agent bridging a Waldur marketplace to local service backends",
	Long: `The Waldur site agent runs next to a service provider's infrastructure
and keeps it in sync with a Waldur marketplace: it executes orders,
reconciles resource membership, reports usage and provisions offering
user accounts, either on a polling schedule or driven by broker events.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLog})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"waldur-site-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", config.DefaultConfigFile, "Path to the agent configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Emit JSON logs instead of console output")

	runCmd.Flags().StringVar(&mode, "mode", string(types.ModeOrderProcess),
		"Agent mode (order_process, report, membership_sync, event_process)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loadComponentsCmd)
	rootCmd.AddCommand(syncOfferingUsersCmd)
	rootCmd.AddCommand(syncResourceLimitsCmd)
	rootCmd.AddCommand(createHomedirsCmd)
	rootCmd.AddCommand(diagnosticsCmd)
}

// newSupervisor loads the config and builds a supervisor for the mode.
func newSupervisor(m types.AgentMode) (*agent.Supervisor, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return agent.New(cfg, m, Version)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent's processing loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch types.AgentMode(mode) {
		case types.ModeOrderProcess, types.ModeReport, types.ModeMembershipSync, types.ModeEventProcess:
		default:
			return fmt.Errorf("unknown mode %q", mode)
		}

		s, err := newSupervisor(types.AgentMode(mode))
		if err != nil {
			return err
		}
		return s.Run(context.Background())
	},
}

var loadComponentsCmd = &cobra.Command{
	Use:   "load-components",
	Short: "Push configured offering components to the marketplace",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor(types.ModeOrderProcess)
		if err != nil {
			return err
		}
		return s.LoadComponents(cmd.Context())
	},
}

var syncOfferingUsersCmd = &cobra.Command{
	Use:   "sync-offering-users",
	Short: "Run one offering user provisioning pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor(types.ModeMembershipSync)
		if err != nil {
			return err
		}
		return s.SyncOfferingUsers(cmd.Context())
	},
}

var syncResourceLimitsCmd = &cobra.Command{
	Use:   "sync-resource-limits",
	Short: "Push backend-reported resource limits to the marketplace",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor(types.ModeMembershipSync)
		if err != nil {
			return err
		}
		return s.SyncResourceLimits(cmd.Context())
	},
}

var createHomedirsCmd = &cobra.Command{
	Use:   "create-homedirs",
	Short: "Provision home directories for offering users on capable backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor(types.ModeMembershipSync)
		if err != nil {
			return err
		}
		return s.CreateHomeDirs(cmd.Context())
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Check marketplace and backend health for every offering",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor(types.ModeOrderProcess)
		if err != nil {
			return err
		}
		return s.RunDiagnostics(cmd.Context())
	},
}
