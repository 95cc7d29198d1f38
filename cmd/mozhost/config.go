package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apiclient "github.com/Eliobros/mozhost-mz/pkg/api/client"
)

const (
	defaultAPIBaseURL = "http://localhost:3001"
	tokenEnv          = "MOZHOST_TOKEN"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

type globalFlags struct {
	api   string
	token string
}

// settings are the effective connection parameters for one invocation.
type settings struct {
	apiBaseURL string
	token      string
}

// resolveSettings applies flag > environment > config file precedence.
func resolveSettings(flags *globalFlags, cfg cliConfig) settings {
	s := settings{apiBaseURL: cfg.APIBaseURL, token: cfg.AccessToken}
	if env := strings.TrimSpace(os.Getenv(tokenEnv)); env != "" {
		s.token = env
	}
	if flags != nil {
		if v := strings.TrimSpace(flags.api); v != "" {
			s.apiBaseURL = v
		}
		if v := strings.TrimSpace(flags.token); v != "" {
			s.token = v
		}
	}
	if s.apiBaseURL == "" {
		s.apiBaseURL = defaultAPIBaseURL
	}
	return s
}

// connect loads settings and builds an API client, failing when no token is known.
func connect(flags *globalFlags) (*apiclient.Client, settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, settings{}, fmt.Errorf("load config: %w", err)
	}
	s := resolveSettings(flags, cfg)
	if s.token == "" {
		return nil, settings{}, fmt.Errorf("no access token: pass --token, set %s or run `mozhost config set --token`", tokenEnv)
	}
	cli, err := apiclient.New(s.apiBaseURL)
	if err != nil {
		return nil, settings{}, err
	}
	return cli, s, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "mozhost", "config.json"), nil
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the CLI configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, _ := configPath()
			s := resolveSettings(flags, cfg)
			fmt.Print(keyValues("",
				kv("Config file", path),
				kv("API", s.apiBaseURL),
				kv("Token", maskToken(s.token)),
			))
			return nil
		},
	}

	var api, token string
	set := &cobra.Command{
		Use:   "set",
		Short: "Persist the API URL and access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(api) == "" && strings.TrimSpace(token) == "" {
				return errors.New("nothing to set: pass --api and/or --token")
			}
			if v := strings.TrimSpace(api); v != "" {
				cfg.APIBaseURL = v
			}
			if v := strings.TrimSpace(token); v != "" {
				cfg.AccessToken = v
			}
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Println(successMsg("configuration saved"))
			return nil
		},
	}
	set.Flags().StringVar(&api, "api", "", "API base URL")
	set.Flags().StringVar(&token, "token", "", "Access token")

	cmd.AddCommand(show, set)
	return cmd
}

func maskToken(token string) string {
	switch {
	case token == "":
		return muted("(none)")
	case len(token) <= 12:
		return "****"
	default:
		return token[:6] + "…" + token[len(token)-4:]
	}
}
