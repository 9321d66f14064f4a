package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/spf13/cobra"
)

// configCmd groups config version management
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate versioned run configurations",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List config versions and mark the active one",
	RunE:  runConfigList,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [version|file.yaml]...",
	Short: "Validate config versions or standalone parameter files",
	Long: `Validate resolves each argument over the defaults and checks every range
and ordering rule. Arguments ending in .yaml or .yml are read as files;
anything else is a version in --config-dir. With no arguments every
version in the directory is checked.`,
	RunE: runConfigValidate,
}

var configActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Point active.yaml at a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.NewStore(logger, configDir).SetActive(args[0])
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configValidateCmd, configActivateCmd)
}

func runConfigList(cmd *cobra.Command, args []string) error {
	store := config.NewStore(logger, configDir)
	versions, err := store.ListVersions()
	if err != nil {
		return err
	}
	active, _ := store.ActiveVersion()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tACTIVE")
	for _, v := range versions {
		mark := ""
		if v == active {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\n", v, mark)
	}
	return w.Flush()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	store := config.NewStore(logger, configDir)
	if len(args) == 0 {
		versions, err := store.ListVersions()
		if err != nil {
			return err
		}
		args = versions
	}

	failed := 0
	for _, arg := range args {
		if err := validateOne(store, arg); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", arg, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", arg)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d configurations invalid", failed, len(args))
	}
	return nil
}

func validateOne(store *config.Store, arg string) error {
	if isYAMLPath(arg) {
		cfg, err := config.Decode(arg)
		if err != nil {
			return err
		}
		return config.Validate(cfg)
	}
	_, err := store.Load(arg)
	return err
}

func isYAMLPath(arg string) bool {
	n := len(arg)
	return (n > 5 && arg[n-5:] == ".yaml") || (n > 4 && arg[n-4:] == ".yml")
}
