package cmd

import (
	"fmt"
	"os"

	"github.com/establishment/storesync/internal/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	initForce         bool
	initGenerateToken bool
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a storesync config file",
	Long: `Writes a config file with the default settings (storesync.toml unless a
path or --config is given; .yaml and .yml paths are written as YAML).

An existing file is merged: values already set are kept and missing settings
are filled in with their defaults. Use --force to start over from the defaults.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file with the defaults")
	initCmd.Flags().BoolVar(&initGenerateToken, "generate-token", false, "Generate a shared API token for server and client")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) > 0 {
		path = args[0]
	}
	token := ""
	if initGenerateToken {
		token = uuid.New().String()
	}

	existed, err := writeConfig(path, initForce, token)
	if err != nil {
		return err
	}
	if existed {
		fmt.Printf("Updated %s\n", path)
	} else {
		fmt.Printf("Created %s\n", path)
	}
	if token != "" {
		fmt.Println("Generated an API token for server.token and client.token")
	}
	return nil
}

// writeConfig writes the config at path, merging into an existing file unless
// force is set. It reports whether the file existed.
func writeConfig(path string, force bool, token string) (bool, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	c := config.Default()
	if existed && !force {
		// environment overrides are not written back
		loaded, err := config.ReadFile(path, false)
		if err != nil {
			return existed, fmt.Errorf("failed to read existing config: %w", err)
		}
		c = loaded
	}
	if token != "" {
		c.Server.Token = token
		c.Client.Token = token
	}
	if err := c.Validate(); err != nil {
		return existed, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := c.Write(path); err != nil {
		return existed, err
	}
	return existed, nil
}
