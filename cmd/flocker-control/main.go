package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterhq/flocker/pkg/config"
	"github.com/clusterhq/flocker/pkg/configstore"
	"github.com/clusterhq/flocker/pkg/control"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/metrics"
	"github.com/clusterhq/flocker/pkg/restapi"
	"github.com/clusterhq/flocker/pkg/security"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "flocker-control",
	Short:   "Flocker control service: REST API, persistent configuration, and agent coordination",
	Version: Version,
	RunE:    runControl,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flocker-control version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", config.DefaultControlConfigPath, "Path to control.yml")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runControl(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.LoadControlConfig(configPath)
	if err != nil {
		return fmt.Errorf("load control config: %w", err)
	}

	serverCert, err := security.LoadCertFromFile(cfg.CertDir, security.ControlCertFile, security.ControlKeyFile)
	if err != nil {
		return fmt.Errorf("load control service certificate: %w", err)
	}
	clusterRoot, err := security.LoadCACertFromFile(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("load cluster root certificate: %w", err)
	}

	store, err := configstore.Open(cfg.DataDir + "/current_configuration.v1.json")
	if err != nil {
		metrics.RegisterComponent("configuration_store", false, err.Error())
		return fmt.Errorf("open configuration store: %w", err)
	}
	metrics.RegisterComponent("configuration_store", true, "")

	svc := control.New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentListener, err := tls.Listen("tcp", cfg.AgentAddr, control.NewControlServerTLSConfig(*serverCert, clusterRoot))
	if err != nil {
		metrics.RegisterComponent("agent_listener", false, err.Error())
		return fmt.Errorf("listen for agents on %s: %w", cfg.AgentAddr, err)
	}
	metrics.RegisterComponent("agent_listener", true, "")
	defer agentListener.Close()

	metrics.SetVersion(Version)

	go svc.Run(ctx)
	go func() {
		if err := svc.Serve(ctx, agentListener); err != nil {
			log.Logger.Error().Err(err).Msg("agent listener stopped")
		}
	}()

	restServer := restapi.NewServer(store, svc)
	httpServer := &http.Server{Addr: cfg.RESTAddr, Handler: restServer.Handler()}
	go func() {
		log.Logger.Info().Str("addr", cfg.RESTAddr).Msg("REST API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Logger.Info().Str("agent_addr", cfg.AgentAddr).Msg("flocker-control started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

const httpShutdownTimeout = 10 * time.Second

