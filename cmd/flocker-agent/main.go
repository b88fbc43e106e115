package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clusterhq/flocker/pkg/backend"
	_ "github.com/clusterhq/flocker/pkg/backend/ebs"
	_ "github.com/clusterhq/flocker/pkg/backend/fake"
	"github.com/clusterhq/flocker/pkg/config"
	"github.com/clusterhq/flocker/pkg/convergence"
	"github.com/clusterhq/flocker/pkg/localstate"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/security"
	"github.com/clusterhq/flocker/pkg/types"
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
	Use:     "flocker-agent",
	Short:   "Flocker agent: convergence loop driving a node's dataset manifestations",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flocker-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", config.DefaultAgentConfigPath, "Path to agent.yml")
	rootCmd.Flags().String("mount-root", "/flocker", "Root directory under which datasets are mounted")

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

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	mountRoot, _ := cmd.Flags().GetString("mount-root")

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	local, err := localstate.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open local identity store: %w", err)
	}
	defer local.Close()

	nodeUUID, err := local.NodeUUID()
	if err != nil {
		return fmt.Errorf("read node_uuid: %w", err)
	}
	era := types.Era{NodeUUID: nodeUUID, EraUUID: uuid.NewString()}

	be, err := backend.New(cfg.Dataset.Backend, cfg.Dataset.Options)
	if err != nil {
		return fmt.Errorf("construct %q backend: %w", cfg.Dataset.Backend, err)
	}

	nodeCert, err := security.LoadCertFromFile(cfg.CertDir, security.NodeCertFile, security.NodeKeyFile)
	if err != nil {
		return fmt.Errorf("load node certificate: %w", err)
	}
	clusterRoot, err := security.LoadCACertFromFile(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("load cluster root certificate: %w", err)
	}

	controlAddr := net.JoinHostPort(cfg.ControlService.Hostname, fmt.Sprintf("%d", cfg.ControlService.Port))
	tlsConfig := protocol.NewAgentClientTLSConfig(*nodeCert, clusterRoot)
	conn := protocol.NewAgentConn(controlAddr, tlsConfig, log.WithNodeID(nodeUUID))

	loop := convergence.New(nodeUUID, era, be, conn, mountRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conn.Run(ctx)
	go loop.Run(ctx)

	log.Logger.Info().Str("node_uuid", nodeUUID).Str("era_uuid", era.EraUUID).
		Str("control_addr", controlAddr).Str("backend", cfg.Dataset.Backend).
		Msg("flocker-agent started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	cancel()
	return nil
}
