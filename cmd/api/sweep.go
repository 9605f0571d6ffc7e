package main

import (
	"fmt"
	"time"

	"github.com/itstheanurag/playground/internal/janitor"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newSweepCmd(a *app) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale session directories once and exit",
		Long: `Removes every entry under the session root older than the janitor
retention. Useful from cron when the server runs with the janitor disabled
or after a crash left workspaces behind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("retention") {
				retention = a.conf.Janitor.Retention
			}

			j := janitor.New(afero.NewOsFs(), janitor.Options{
				Root:      a.conf.Workspace.Root,
				Interval:  a.conf.Janitor.Interval,
				Retention: retention,
			}, &a.logger)

			removed, err := j.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale session(s) from %s\n", removed, a.conf.Workspace.Root)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override janitor.retention for this run")
	return cmd
}
