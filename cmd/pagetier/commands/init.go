package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/pagetier/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample pagetier configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/pagetier/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  pagetier init

  # Initialize with custom path
  pagetier init --config /etc/pagetier/config.yaml

  # Force overwrite existing config
  pagetier init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file: set the cache directory, shard endpoints and tenant identity")
	fmt.Println("  2. Start the server with: pagetier start")
	fmt.Printf("  3. Or specify custom config: pagetier start --config %s\n", configPath)
	return nil
}
