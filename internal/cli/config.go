package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fireredbot/fireredbot/internal/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := renderConfig(maskSecrets(*cfg), configFormat)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			p, err := config.ConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "json", "Output format: json or yaml")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// maskSecrets returns a copy of cfg with credentials reduced to a short hint.
func maskSecrets(cfg config.Config) config.Config {
	cfg.Providers.OpenAI.APIKey = mask(cfg.Providers.OpenAI.APIKey)
	cfg.Providers.OpenRouter.APIKey = mask(cfg.Providers.OpenRouter.APIKey)
	cfg.Providers.XAI.APIKey = mask(cfg.Providers.XAI.APIKey)
	cfg.Providers.VLLM.APIKey = mask(cfg.Providers.VLLM.APIKey)
	cfg.Gateway.AuthToken = mask(cfg.Gateway.AuthToken)
	cfg.Broadcast.Slack.BotToken = mask(cfg.Broadcast.Slack.BotToken)
	return cfg
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

// renderConfig encodes cfg by its json field names in either format.
func renderConfig(cfg config.Config, format string) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	switch strings.ToLower(format) {
	case "", "json":
		return string(data) + "\n", nil
	case "yaml", "yml":
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return "", err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}
