package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/Eliobros/mozhost-mz/pkg/api/client"
)

const requestTimeout = 90 * time.Second

func envCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"environment", "environments"},
		Short:   "Create and operate environments",
	}
	cmd.AddCommand(
		envListCmd(flags),
		envCreateCmd(flags),
		envGetCmd(flags),
		envActionCmd(flags, "start", "Start an environment", (*apiclient.Client).StartEnvironment),
		envActionCmd(flags, "stop", "Stop an environment", (*apiclient.Client).StopEnvironment),
		envActionCmd(flags, "restart", "Restart an environment", (*apiclient.Client).RestartEnvironment),
		envDeleteCmd(flags),
		envLogsCmd(flags),
		envStatsCmd(flags),
	)
	return cmd
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func envListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your environments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			envs, err := cli.ListEnvironments(ctx, s.token)
			if err != nil {
				return err
			}
			if len(envs) == 0 {
				fmt.Println(muted("no environments yet, create one with `mozhost env create`"))
				return nil
			}
			fmt.Println(renderTable(environmentHeaders, environmentRows(envs)))
			return nil
		},
	}
}

var environmentHeaders = []string{"ID", "Name", "Kind", "Status", "Port", "Domain", "Created"}

func environmentRows(envs []apiclient.Environment) [][]string {
	rows := make([][]string, len(envs))
	for i, env := range envs {
		port := "-"
		if env.HostPort > 0 {
			port = strconv.Itoa(env.HostPort)
		}
		created := "-"
		if !env.CreatedAt.IsZero() {
			created = env.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		rows[i] = []string{env.ID, env.Name, env.Kind, statusText(env.Status), port, env.Domain, created}
	}
	return rows
}

func printEnvironment(env apiclient.Environment) {
	port := "-"
	if env.HostPort > 0 {
		port = strconv.Itoa(env.HostPort)
	}
	fmt.Print(keyValues("",
		kv("ID", env.ID),
		kv("Name", env.Name),
		kv("Kind", env.Kind),
		kv("Status", statusText(env.Status)),
		kv("Domain", env.Domain),
		kv("Host port", port),
		kv("Internal port", strconv.Itoa(env.InternalPort)),
		kv("CPU", strconv.FormatFloat(env.ResourceLimits.CPU, 'f', -1, 64)),
		kv("Memory", fmt.Sprintf("%d MB", env.ResourceLimits.MemoryMB)),
	))
}

func envCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		kind  string
		vars  []string
		start bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnvVars(vars)
			if err != nil {
				return err
			}
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			created, err := cli.CreateEnvironment(ctx, s.token, apiclient.CreateEnvironmentInput{
				Name: args[0],
				Kind: kind,
				Env:  env,
			})
			if err != nil {
				return err
			}
			fmt.Println(successMsg("environment %s created", created.Name))
			if start {
				if created, err = cli.StartEnvironment(ctx, s.token, created.ID); err != nil {
					return err
				}
				fmt.Println(successMsg("environment %s started", created.Name))
			}
			printEnvironment(created)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "nodejs", "Runtime kind")
	cmd.Flags().StringArrayVarP(&vars, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&start, "start", false, "Start the environment after creating it")
	return cmd
}

// parseEnvVars turns KEY=VALUE pairs into a map. Values may contain '='.
func parseEnvVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env var %q, expected KEY=VALUE", p)
		}
		out[key] = value
	}
	return out, nil
}

func envGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			env, err := cli.GetEnvironment(ctx, s.token, args[0])
			if err != nil {
				return err
			}
			printEnvironment(env)
			return nil
		},
	}
}

type actionFunc func(*apiclient.Client, context.Context, string, string) (apiclient.Environment, error)

func envActionCmd(flags *globalFlags, use, short string, action actionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			env, err := action(cli, ctx, s.token, args[0])
			if err != nil {
				return err
			}
			fmt.Println(successMsg("%s: %s", env.Name, statusText(env.Status)))
			return nil
		},
	}
}

func envDeleteCmd(flags *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete an environment and its files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("deleting removes the environment's files permanently, re-run with --yes to confirm")
			}
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := cli.DeleteEnvironment(ctx, s.token, args[0]); err != nil {
				return err
			}
			fmt.Println(successMsg("environment %s deleted", args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func envLogsCmd(flags *globalFlags) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print recent output of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			lines, err := cli.EnvironmentLogs(ctx, s.token, args[0], tail)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "Number of lines to show")
	return cmd
}

func envStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <id>",
		Short: "Sample CPU and memory usage of a running environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, s, err := connect(flags)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			stats, err := cli.EnvironmentStats(ctx, s.token, args[0])
			if err != nil {
				return err
			}
			fmt.Print(keyValues("",
				kv("CPU", fmt.Sprintf("%.2f%%", stats.CPUPercent)),
				kv("Memory", fmt.Sprintf("%s / %s (%.2f%%)", humanBytes(stats.MemoryUsage), humanBytes(stats.MemoryLimit), stats.MemoryPercent)),
			))
			return nil
		},
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
