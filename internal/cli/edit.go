package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newEditCmd() *cobra.Command {
	var (
		sf       sessionFlags
		original map[string]string
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "edit field=value [field=value...]",
		Short: "Record edits to workbook fields",
		Long: "Record new values for fields of a workbook step. Edits are kept on this\n" +
			"device until saved. The first edit of a field remembers its saved value\n" +
			"(from --original, empty otherwise); setting a field back to it clears the edit.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			key, err := sf.key()
			if err != nil {
				return err
			}
			edits, err := parseAssignments(args)
			if err != nil {
				return userError(err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			t, err := a.Session(key.UserID, key.Step, key.Variant)
			if err != nil {
				return sysError(err)
			}
			changes := t.Changes()
			for _, e := range edits {
				orig := original[e[0]]
				if c, ok := changes[e[0]]; ok {
					orig = c.OriginalValue
				}
				if err := t.TrackChange(e[0], e[1], orig); err != nil {
					return sysError(fmt.Errorf("record %s: %w", e[0], err))
				}
			}

			if save {
				if err := a.ScheduleSave(t); err != nil {
					return userError(err)
				}
				if err := a.FlushSaves(cmd.Context()); err != nil {
					return classify(err)
				}
			}

			if flags.jsonMode {
				return printJSON(cmd, map[string]any{"session": key.String(), "dirty": t.DirtyKeys()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unsaved field(s) in %s\n", len(t.DirtyKeys()), key)
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringToStringVar(&original, "original", nil, "saved value of a field before this edit (field=value)")
	cmd.Flags().BoolVar(&save, "save", false, "save to the backend after recording")
	return cmd
}

// parseAssignments splits field=value arguments, keeping their order.
func parseAssignments(args []string) ([][2]string, error) {
	out := make([][2]string, 0, len(args))
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, errors.New("expected field=value, got " + arg)
		}
		out = append(out, [2]string{field, value})
	}
	return out, nil
}

func newDiscardCmd() *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "discard [field...]",
		Short: "Drop unsaved edits",
		Long:  "Drop the unsaved edits of the given fields, or of every field when none is named.",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			key, err := sf.key()
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			t, err := a.Session(key.UserID, key.Step, key.Variant)
			if err != nil {
				return sysError(err)
			}
			if err := a.Discard(t, args...); err != nil {
				return sysError(err)
			}

			if flags.jsonMode {
				return printJSON(cmd, map[string]any{"session": key.String(), "dirty": t.DirtyKeys()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unsaved field(s) left in %s\n", len(t.DirtyKeys()), key)
			return nil
		},
	}
	sf.register(cmd)
	return cmd
}
