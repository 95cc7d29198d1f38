package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "mozhost",
		Short:         "Manage MozHost environments",
		Version:       buildVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.api, "api", "", "API base URL (overrides the config file)")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "Access token (overrides MOZHOST_TOKEN and the config file)")

	root.AddCommand(envCmd(&flags))
	root.AddCommand(terminalCmd(&flags))
	root.AddCommand(tokenCmd(&flags))
	root.AddCommand(configCmd(&flags))

	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

// exitError carries a remote shell's exit status out of the command tree.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("shell exited with status %d", e.code)
}
