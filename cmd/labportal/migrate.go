package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newMigrateCmd(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relational schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), stderr, false)
			if err != nil {
				return err
			}
			rt.logger.Info("schema applied")
			return rt.Close()
		},
	}
}
