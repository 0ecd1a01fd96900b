package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/newswire/internal/server"
)

func newProcessCmd(role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg, server.Role(role))
			if err != nil {
				return fmt.Errorf("build %s: %w", role, err)
			}
			if code := app.Run(cmd.Context()); code != server.ExitOK {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
}
