package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Verbose       bool
	Format        string // "text" | "json"
	ConfigPath    string
	Introspection bool
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "peinspect",
		Short:         "Inspect managed PE images",
		Long:          "Open managed PE/COFF images through the assembly loader and report identity, references, resources and signatures.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return newExitError(exitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "loader configuration file (YAML)")
	cmd.PersistentFlags().BoolVar(&opts.Introspection, "introspection", false, "open assemblies introspection-only")

	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newHashCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newRefsCommand(opts))
	cmd.AddCommand(newResourcesCommand(opts))
	cmd.AddCommand(newInteractiveCommand(opts))

	return cmd
}
