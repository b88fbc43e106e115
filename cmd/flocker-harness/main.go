package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
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
	Use:     "flocker-harness",
	Short:   "Minimal end-to-end test harness for the Flocker REST API",
	Long: `flocker-harness drives the dataset and lease surface of the
control service's REST API, for exercising and scripting end-to-end
scenarios without a full Docker integration.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flocker-harness version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api-addr", "http://127.0.0.1:4523", "Base URL of the control service's REST API")

	datasetCmd.AddCommand(datasetCreateCmd)
	datasetCmd.AddCommand(datasetListCmd)
	datasetCmd.AddCommand(datasetMoveCmd)

	leaseCmd.AddCommand(leaseAcquireCmd)
	leaseCmd.AddCommand(leaseReleaseCmd)

	datasetCreateCmd.Flags().String("primary", "", "node_uuid to create the dataset's primary manifestation on")
	datasetCreateCmd.Flags().String("name", "", "metadata[\"name\"] for the new dataset")
	datasetCreateCmd.Flags().Int64("maximum-size", 0, "Maximum size in bytes (0 means unspecified)")
	_ = datasetCreateCmd.MarkFlagRequired("primary")

	datasetMoveCmd.Flags().String("primary", "", "node_uuid to move the dataset's primary manifestation to")
	_ = datasetMoveCmd.MarkFlagRequired("primary")

	leaseAcquireCmd.Flags().String("node", "", "node_uuid to lease the dataset to")
	_ = leaseAcquireCmd.MarkFlagRequired("node")

	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(leaseCmd)
}

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Create, list, and move datasets",
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new dataset with a primary manifestation",
	RunE: func(cmd *cobra.Command, args []string) error {
		primary, _ := cmd.Flags().GetString("primary")
		name, _ := cmd.Flags().GetString("name")
		maxSize, _ := cmd.Flags().GetInt64("maximum-size")

		body := map[string]interface{}{"primary": primary}
		if name != "" {
			body["metadata"] = map[string]string{"name": name}
		}
		if maxSize > 0 {
			body["maximum_size"] = maxSize
		}

		var dataset map[string]interface{}
		if err := apiRequest(cmd, http.MethodPost, "/v1/configuration/datasets", body, &dataset); err != nil {
			return err
		}
		return printJSON(dataset)
	},
}

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets in the desired configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		var datasets []map[string]interface{}
		if err := apiRequest(cmd, http.MethodGet, "/v1/configuration/datasets", nil, &datasets); err != nil {
			return err
		}
		return printJSON(datasets)
	},
}

var datasetMoveCmd = &cobra.Command{
	Use:   "move DATASET_ID",
	Short: "Move a dataset's primary manifestation to another node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		datasetID := args[0]
		primary, _ := cmd.Flags().GetString("primary")

		var dataset map[string]interface{}
		body := map[string]interface{}{"primary": primary}
		if err := apiRequest(cmd, http.MethodPost, "/v1/configuration/datasets/"+datasetID, body, &dataset); err != nil {
			return err
		}
		return printJSON(dataset)
	},
}

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Acquire and release dataset leases",
}

var leaseAcquireCmd = &cobra.Command{
	Use:   "acquire DATASET_ID",
	Short: "Acquire a lease on a dataset for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		datasetID := args[0]
		node, _ := cmd.Flags().GetString("node")

		var lease map[string]interface{}
		body := map[string]interface{}{"node_uuid": node}
		if err := apiRequest(cmd, http.MethodPost, "/v1/configuration/leases/"+datasetID, body, &lease); err != nil {
			return err
		}
		return printJSON(lease)
	},
}

var leaseReleaseCmd = &cobra.Command{
	Use:   "release DATASET_ID",
	Short: "Release a dataset's lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		datasetID := args[0]
		return apiRequest(cmd, http.MethodDelete, "/v1/configuration/leases/"+datasetID, nil, nil)
	},
}

func apiRequest(cmd *cobra.Command, method, path string, body interface{}, dst interface{}) error {
	apiAddr, _ := cmd.Flags().GetString("api-addr")

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiAddr+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}

	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
