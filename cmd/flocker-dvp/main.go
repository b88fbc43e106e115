package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clusterhq/flocker/pkg/config"
	"github.com/clusterhq/flocker/pkg/dockerplugin"
	"github.com/clusterhq/flocker/pkg/localstate"
	"github.com/clusterhq/flocker/pkg/log"
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
	Use:     "flocker-dvp",
	Short:   "Flocker Docker volume plugin: translates VolumeDriver calls into dataset REST operations",
	Version: Version,
	RunE:    runDVP,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flocker-dvp version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", config.DefaultAgentConfigPath, "Path to agent.yml, for this node's data-dir and control service")
	rootCmd.Flags().String("socket", "/run/docker/plugins/flocker.sock", "Unix socket to serve the Docker volume plugin protocol on")
	rootCmd.Flags().String("api-addr", "", "Base URL of the control service's REST API (default: derived from agent.yml's control-service, port 4523)")

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

func runDVP(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	socketPath, _ := cmd.Flags().GetString("socket")
	apiAddr, _ := cmd.Flags().GetString("api-addr")

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

	if apiAddr == "" {
		apiAddr = fmt.Sprintf("http://%s:4523", cfg.ControlService.Hostname)
	}

	driver := dockerplugin.NewDriver(nodeUUID, "", apiAddr)

	log.Logger.Info().Str("node_uuid", nodeUUID).Str("socket", socketPath).Str("api_addr", apiAddr).
		Msg("flocker-dvp started")

	return driver.ListenAndServe(socketPath)
}
