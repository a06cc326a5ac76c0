package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/powerdaemon/powerdaemon/pkg/client"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/daemon"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var serverAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "powerdaemon",
	Short: "PowerDaemon - deployment orchestration and alerting engine",
	Long: `PowerDaemon orchestrates service deployments across a host fleet
with rolling, blue/green, and canary strategies, and evaluates alert
rules against fleet metrics.

The server command runs the daemon; every other command talks to a
running daemon over its REST API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"PowerDaemon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server",
		"http://127.0.0.1:8080", "Address of the daemon's REST API")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PowerDaemon version %s\nCommit: %s\nBuilt: %s\n",
			Version, Commit, BuildTime)
	},
}

// apiClient builds the REST client for non-server commands, picking up
// a bearer token from POWERDAEMON_TOKEN when set.
func apiClient() *client.Client {
	opts := []client.Option{}
	if token := os.Getenv("POWERDAEMON_TOKEN"); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(serverAddr, opts...)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the daemon",
	Long: `Run the daemon: the REST API, the deployment orchestrator, the
alert evaluator, and the notification dispatcher. SIGINT or SIGTERM
drains running workflows before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := daemon.New(ctx, cfg)
		if err != nil {
			return err
		}

		runErr := d.Run(ctx)
		if err := d.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		return runErr
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
}
