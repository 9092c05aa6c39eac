package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var (
		user   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy local drafts to the backend",
		Long: "Upload legacy drafts kept on this device (offer outline, sales page drafts,\n" +
			"customer experience, workbook steps) once per user. Domains already\n" +
			"migrated are skipped; failed records stay for the next run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			sf := sessionFlags{user: user}
			userID, err := sf.userID()
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			if dryRun {
				pending, err := a.PendingMigrations(userID)
				if err != nil {
					return sysError(err)
				}
				if flags.jsonMode {
					return printJSON(cmd, map[string]any{"pending": pending})
				}
				for _, d := range pending {
					fmt.Fprintln(cmd.OutOrStdout(), d)
				}
				return nil
			}

			report, err := a.Migrate(cmd.Context(), userID)
			if err != nil {
				return classify(err)
			}
			failed := report.Failed()
			if flags.jsonMode {
				if err := printJSON(cmd, report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, d := range report.Domains {
					switch {
					case d.Skipped != "":
						fmt.Fprintf(out, "%-20s skipped (%s)\n", d.Domain, d.Skipped)
					case d.Complete:
						fmt.Fprintf(out, "%-20s migrated %d record(s)\n", d.Domain, len(d.Uploaded))
					default:
						fmt.Fprintf(out, "%-20s migrated %d, failed %d\n", d.Domain, len(d.Uploaded), len(d.Failed))
					}
				}
			}
			if len(failed) > 0 {
				return sysError(fmt.Errorf("%d record(s) not migrated; run again to retry", len(failed)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (default: config user)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list domains waiting for migration")
	return cmd
}
