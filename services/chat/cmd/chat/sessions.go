package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := buildDeps(cmd.Context(), cfg, 0)
			if err != nil {
				return err
			}
			defer d.close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
			for _, sess := range d.store.AllSessions() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", sess.ID, sess.DisplayTitle(), len(sess.Messages), sess.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}
