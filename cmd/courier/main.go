package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"courier/internal/agent"
	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/gateway"
	"courier/internal/version"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	port    int
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - chat channel gateway",
	Long: `Courier bridges chat platforms to an agent backend. It runs the
platform connectors, handles pairing and session binding, and exposes a
management API for configuring plugins and users.`,
	Version: version.Full(),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Courier %s\n", version.Full())
		buildInfo := version.GetBuildInfo()

		if buildInfo.GitCommit != "unknown" {
			fmt.Printf("Git commit: %s\n", buildInfo.GitCommit)
		}
		if buildInfo.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", buildInfo.BuildDate)
		}
		fmt.Printf("Go version: %s\n", buildInfo.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "management server port (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	// Running with no subcommand starts the server.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	}
}

func runServe() error {
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}

	events := bus.New()
	engine := agent.NewHTTPEngine(cfg.Agent.BaseURL, cfg.Agent.APIKey, events)
	conv := agent.NewBusService(engine, events)
	models := agent.StaticResolver{Config: agent.ModelConfig{
		Provider: cfg.Agent.Provider,
		Model:    cfg.Agent.Model,
	}}

	gw, err := gateway.New(cfg, conv, models)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	log.Printf("Starting Courier on port %d", cfg.Port)
	if err := gw.Serve(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}

	log.Println("Courier stopped gracefully")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
