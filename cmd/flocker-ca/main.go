package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clusterhq/flocker/pkg/log"
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
	Use:     "flocker-ca",
	Short:   "Manage the cluster's certificate authority and issue role certificates",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flocker-ca version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("ca-dir", ".", "Directory holding the cluster CA's root certificate and key")
	cobra.OnInitialize(initLogging)

	initCmd.Flags().String("organization", "Flocker Cluster", "Organization name recorded in the root certificate")

	createControlCmd.Flags().String("out-dir", ".", "Directory to write the issued certificate and cluster.crt to")
	createControlCmd.Flags().StringSlice("ip", nil, "Additional IP SANs for the control service certificate")

	createNodeCmd.Flags().String("out-dir", ".", "Directory to write the issued certificate and cluster.crt to")

	createAPIUserCmd.Flags().String("out-dir", ".", "Directory to write the issued certificate and cluster.crt to")

	checkCmd.Flags().String("dir", ".", "Directory holding the certificate to check")
	checkCmd.Flags().String("cert-file", security.ControlCertFile, "Certificate filename to check")

	removeCmd.Flags().String("dir", ".", "Directory holding certificate material to remove")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createControlCmd)
	rootCmd.AddCommand(createNodeCmd)
	rootCmd.AddCommand(createAPIUserCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(removeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new self-signed cluster root CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		caDir, _ := cmd.Flags().GetString("ca-dir")
		organization, _ := cmd.Flags().GetString("organization")

		ca, err := security.NewCA(organization)
		if err != nil {
			return fmt.Errorf("generate root CA: %w", err)
		}
		if err := security.SaveCACertToFile(ca.RootCertDER(), caDir); err != nil {
			return fmt.Errorf("save root certificate: %w", err)
		}
		if err := security.SaveCAKeyToFile(ca.RootKey(), caDir); err != nil {
			return fmt.Errorf("save root key: %w", err)
		}

		fmt.Printf("Cluster root CA created in %s\n", caDir)
		return nil
	},
}

var createControlCmd = &cobra.Command{
	Use:   "create-control HOSTNAME",
	Short: "Issue the control service's server certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname := args[0]
		outDir, _ := cmd.Flags().GetString("out-dir")
		ips, _ := cmd.Flags().GetStringSlice("ip")

		ca, err := loadCA(cmd)
		if err != nil {
			return err
		}

		var ipAddresses []net.IP
		for _, ip := range ips {
			if parsed := net.ParseIP(ip); parsed != nil {
				ipAddresses = append(ipAddresses, parsed)
			}
		}
		if resolved := net.ParseIP(hostname); resolved != nil {
			ipAddresses = append(ipAddresses, resolved)
		}

		cert, err := ca.IssueControlCertificate(hostname, ipAddresses)
		if err != nil {
			return fmt.Errorf("issue control certificate: %w", err)
		}
		if err := security.SaveCertToFile(cert, outDir, security.ControlCertFile, security.ControlKeyFile); err != nil {
			return fmt.Errorf("save control certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.RootCertDER(), outDir); err != nil {
			return fmt.Errorf("save cluster certificate: %w", err)
		}

		fmt.Printf("Control service certificate for %q written to %s\n", hostname, outDir)
		return nil
	},
}

var createNodeCmd = &cobra.Command{
	Use:   "create-node NODE_UUID",
	Short: "Issue an agent's client certificate, carrying node_uuid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeUUID := args[0]
		outDir, _ := cmd.Flags().GetString("out-dir")

		ca, err := loadCA(cmd)
		if err != nil {
			return err
		}

		cert, err := ca.IssueNodeCertificate(nodeUUID)
		if err != nil {
			return fmt.Errorf("issue node certificate: %w", err)
		}
		if err := security.SaveCertToFile(cert, outDir, security.NodeCertFile, security.NodeKeyFile); err != nil {
			return fmt.Errorf("save node certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.RootCertDER(), outDir); err != nil {
			return fmt.Errorf("save cluster certificate: %w", err)
		}

		fmt.Printf("Node certificate for %q written to %s\n", nodeUUID, outDir)
		return nil
	},
}

var createAPIUserCmd = &cobra.Command{
	Use:   "create-api-user USERNAME",
	Short: "Issue a REST API client certificate, carrying username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		outDir, _ := cmd.Flags().GetString("out-dir")

		ca, err := loadCA(cmd)
		if err != nil {
			return err
		}

		cert, err := ca.IssueAPIUserCertificate(username)
		if err != nil {
			return fmt.Errorf("issue api-user certificate: %w", err)
		}
		if err := security.SaveCertToFile(cert, outDir, "api-"+username+".crt", "api-"+username+".key"); err != nil {
			return fmt.Errorf("save api-user certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.RootCertDER(), outDir); err != nil {
			return fmt.Errorf("save cluster certificate: %w", err)
		}

		fmt.Printf("API user certificate for %q written to %s\n", username, outDir)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a role certificate is within its rotation threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		certFile, _ := cmd.Flags().GetString("cert-file")
		keyFile := strings.TrimSuffix(certFile, ".crt") + ".key"

		cert, err := security.LoadCertFromFile(dir, certFile, keyFile)
		if err != nil {
			return fmt.Errorf("load certificate: %w", err)
		}
		if security.NeedsRotation(cert.Leaf) {
			return fmt.Errorf("%s expires %s: rotation needed", certFile, cert.Leaf.NotAfter.Format("2006-01-02"))
		}
		fmt.Printf("%s expires %s: OK\n", certFile, cert.Leaf.NotAfter.Format("2006-01-02"))
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove all certificate material from a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if err := security.RemoveCerts(dir); err != nil {
			return fmt.Errorf("remove certificates from %s: %w", dir, err)
		}
		fmt.Printf("Removed certificate material from %s\n", dir)
		return nil
	},
}

func loadCA(cmd *cobra.Command) (*security.CA, error) {
	caDir, _ := cmd.Flags().GetString("ca-dir")

	rootCert, err := security.LoadCACertFromFile(caDir)
	if err != nil {
		return nil, fmt.Errorf("load root certificate: %w", err)
	}
	rootKey, err := security.LoadCAKeyFromFile(caDir)
	if err != nil {
		return nil, fmt.Errorf("load root key: %w", err)
	}

	return security.LoadCA(rootCert, rootKey), nil
}
