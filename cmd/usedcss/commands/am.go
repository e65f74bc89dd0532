package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate configuration",
	Long: sym.AM + ` am — Show and validate configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/usedcss/am.toml)
3. User config (~/.usedcss/am.toml)
4. Project config (./am.toml, searched upwards)
5. Environment variables (USEDCSS_* prefix)

Examples:
  usedcss am show                 # Show current configuration
  usedcss am show --format json   # Show configuration as JSON
  usedcss am validate             # Validate current configuration
  usedcss am where                # Show which files are read`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out, err := marshalConfig(cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// marshalConfig renders cfg in one of the supported formats
func marshalConfig(cfg *am.Config, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to JSON")
		}
		return string(data) + "\n", nil

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to YAML")
		}
		return "# usedcss configuration\n" + string(data), nil

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to TOML")
		}
		return "# usedcss configuration\n" + string(data), nil

	default:
		return "", errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	for _, path := range []string{"/etc/usedcss/am.toml", am.UserConfigPath()} {
		fmt.Fprintf(out, "  %s %s\n", presence(path), path)
	}
	if active := am.ActiveConfigPath(); active != "" {
		fmt.Fprintf(out, "\nWatched for changes: %s\n", active)
	}
	fmt.Fprintln(out, "Environment: USEDCSS_* (e.g. USEDCSS_COMPUTE_API_KEY)")
	return nil
}

func presence(path string) string {
	if path == "" {
		return "[-]"
	}
	if _, err := os.Stat(path); err != nil {
		return "[ ]"
	}
	return "[✓]"
}
