package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/internal/scaffold"
)

var (
	forceInit  bool
	initFormat string
	initDir    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write globals.yml (or globals.toml with --format toml) holding the default
broker endpoint and Global settings, ready to be edited and passed with --config.

Use --force to overwrite an existing file.`,
	Args: cobra.NoArgs,
	// Needs no broker and must work while the current configuration is broken.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing configuration file")
	initCmd.Flags().StringVar(&initFormat, "format", "yaml", "File format: yaml or toml")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write the file into")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := scaffold.Initialize(initDir, scaffold.Format(initFormat), forceInit)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Created %s\n", path)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Point broker at your Redis server\n")
	printer.Info("  2. Run 'globals --config %s list'\n", path)
	return nil
}
