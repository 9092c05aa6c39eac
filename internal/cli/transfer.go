package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/workbook/internal/jsonl"
	"github.com/mesh-intelligence/workbook/internal/localstore"
)

func newExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every local entry as JSONL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			if file == "" || file == "-" {
				if _, err := localstore.Export(a.Store(), cmd.OutOrStdout()); err != nil {
					return sysError(err)
				}
				return nil
			}

			var buf bytes.Buffer
			n, err := localstore.Export(a.Store(), &buf)
			if err != nil {
				return sysError(err)
			}
			records, err := jsonl.Read(&buf)
			if err != nil {
				return sysError(err)
			}
			if err := jsonl.WriteFile(file, records); err != nil {
				return sysError(err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", n, file)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "output file (default: stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Load JSONL entries into local storage",
		Long:  "Load entries written by export. Existing keys are overwritten. Reads stdin when no file or - is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return userError(err)
				}
				defer f.Close()
				r = f
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			n, err := localstore.Import(a.Store(), r)
			if err != nil {
				return sysError(err)
			}
			if flags.jsonMode {
				return printJSON(cmd, map[string]int{"imported": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", n)
			return nil
		},
	}
}
