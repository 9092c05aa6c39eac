package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/workbook/pkg/workbook"
)

const modulePath = "github.com/mesh-intelligence/workbook"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the workbook version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.jsonMode {
				return printJSON(cmd, map[string]string{"version": workbook.Version, "module": modulePath})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workbook v%s\nmodule: %s\n", workbook.Version, modulePath)
			return nil
		},
	}
}
