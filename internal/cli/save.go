package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/workbook/internal/app"
	"github.com/mesh-intelligence/workbook/internal/savestatus"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

func newSaveCmd() *cobra.Command {
	var (
		sf         sessionFlags
		all        bool
		retries    int
		retryDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save unsaved edits to the backend",
		Long: "Send the unsaved edits of a step to the backend. On success the saved\n" +
			"fields are cleared locally. Failed saves can be retried with --retry.\n" +
			"With --all every step of the user with unsaved edits is saved.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if all {
				return runSaveAll(cmd, &sf)
			}
			key, err := sf.key()
			if err != nil {
				return err
			}
			if retries < 0 {
				return userError(errors.New("--retry must not be negative"))
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp(a, &err)

			unsubscribe := a.Registry().Subscribe(func(ev savestatus.Event) {
				state.logger.Debug("save status",
					zap.String("key", ev.Key),
					zap.String("status", string(ev.Operation.Status)),
					zap.String("global", string(ev.Global.Status)))
			})
			defer unsubscribe()

			t, err := a.Session(key.UserID, key.Step, key.Variant)
			if err != nil {
				return sysError(err)
			}

			res, saveErr := a.SaveSession(cmd.Context(), t)
			if errors.Is(saveErr, app.ErrNothingToSave) {
				if flags.jsonMode {
					return printJSON(cmd, map[string]any{"dirty": []string{}})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to save")
				return nil
			}
			for i := 0; saveErr != nil && i < retries; i++ {
				if a.Registry().Status(app.ManualSaveKey(key)).Status != types.StatusError {
					break
				}
				state.logger.Info("retrying save", zap.Int("retry", i+1), zap.Error(saveErr))
				select {
				case <-cmd.Context().Done():
					return sysError(cmd.Context().Err())
				case <-time.After(retryDelay):
				}
				res, saveErr = a.RetrySave(cmd.Context(), t)
			}

			op := a.Registry().Status(app.ManualSaveKey(key))
			if flags.jsonMode {
				if perr := printJSON(cmd, map[string]any{
					"operation": op,
					"result":    res,
					"dirty":     t.DirtyKeys(),
				}); perr != nil {
					return perr
				}
			} else if saveErr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s at %s\n", key, op.LastSaved.Format(time.RFC3339))
			}
			if saveErr != nil {
				return classify(fmt.Errorf("save %s (%s): %w", key, op.Status, saveErr))
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "save every step of the user with unsaved edits")
	cmd.Flags().IntVar(&retries, "retry", 0, "retry a failed save up to N times")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", time.Second, "pause between retries")
	return cmd
}

func runSaveAll(cmd *cobra.Command, sf *sessionFlags) (err error) {
	user, err := sf.userID()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a, &err)

	sessions, err := a.RestoreSessions(user)
	if err != nil {
		return sysError(err)
	}
	if len(sessions) == 0 {
		if flags.jsonMode {
			return printJSON(cmd, map[string]any{"saved": 0, "operations": []types.SaveOperation{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to save")
		return nil
	}

	n, saveErr := a.SaveAll(cmd.Context())
	if flags.jsonMode {
		if perr := printJSON(cmd, map[string]any{
			"saved":      n,
			"operations": a.Registry().Operations(),
		}); perr != nil {
			return perr
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d of %d step(s)\n", n, len(sessions))
	}
	if saveErr != nil {
		return classify(fmt.Errorf("save all (%s): %w", a.Registry().Status(types.SaveKeyAll).Status, saveErr))
	}
	return nil
}
