package cli

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

type statusOutput struct {
	Session           string                         `json:"session,omitempty"`
	Changes           map[string]types.UnsavedChange `json:"changes,omitempty"`
	LastModified      *time.Time                     `json:"last_modified,omitempty"`
	PendingMigrations []string                       `json:"pending_migrations"`
}

func newStatusCmd() *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unsaved edits and pending migrations",
		Long:  "Show the unsaved edits of a step (with --step) and the legacy data still waiting for migration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			user, err := sf.userID()
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			var out statusOutput
			if sf.step != "" {
				t, err := a.Session(user, sf.step, sf.variant)
				if err != nil {
					return sysError(err)
				}
				out.Session = t.Session().String()
				out.Changes = t.Changes()
				if lm := t.LastModified(); !lm.IsZero() {
					out.LastModified = &lm
				}
			}
			out.PendingMigrations, err = a.PendingMigrations(user)
			if err != nil {
				return sysError(err)
			}
			if out.PendingMigrations == nil {
				out.PendingMigrations = []string{}
			}

			if flags.jsonMode {
				return printJSON(cmd, out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if out.Session != "" {
				fmt.Fprintf(w, "session\t%s\n", out.Session)
				if len(out.Changes) == 0 {
					fmt.Fprintln(w, "unsaved\tnone")
				}
				for _, field := range slices.Sorted(maps.Keys(out.Changes)) {
					c := out.Changes[field]
					fmt.Fprintf(w, "  %s\t%q -> %q\n", field, c.OriginalValue, c.CurrentValue)
				}
			}
			if len(out.PendingMigrations) == 0 {
				fmt.Fprintln(w, "migrations\tnone pending")
			} else {
				for _, d := range out.PendingMigrations {
					fmt.Fprintf(w, "migration\t%s pending\n", d)
				}
			}
			return w.Flush()
		},
	}
	sf.register(cmd)
	return cmd
}
