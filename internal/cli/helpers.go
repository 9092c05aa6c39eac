package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/workbook/internal/app"
	"github.com/mesh-intelligence/workbook/pkg/types"
)

// sessionFlags identify an editing session.
type sessionFlags struct {
	user    string
	step    string
	variant string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "user id (default: config user)")
	cmd.Flags().StringVarP(&f.step, "step", "s", "", "workbook step")
	cmd.Flags().StringVar(&f.variant, "variant", "", "form variant (default: default)")
}

// userID returns the --user flag or the configured user.
func (f *sessionFlags) userID() (string, error) {
	if f.user != "" {
		return f.user, nil
	}
	if u := state.v.GetString(cfgKeyUser); u != "" {
		return u, nil
	}
	return "", userError(errors.New("no user given: pass --user or set user in config.yaml"))
}

func (f *sessionFlags) key() (types.SessionKey, error) {
	user, err := f.userID()
	if err != nil {
		return types.SessionKey{}, err
	}
	k := types.SessionKey{UserID: user, Step: f.step, Variant: f.variant}
	if err := k.Validate(); err != nil {
		return types.SessionKey{}, userError(err)
	}
	return k, nil
}

// openApp builds the configuration and opens the application. The caller
// must Close the returned App.
func openApp() (*app.App, error) {
	cfg, err := buildConfig(state.v)
	if err != nil {
		return nil, userError(err)
	}
	a, err := app.Open(cfg, state.logger, app.WithAutoSaveDelay(state.v.GetDuration(cfgKeyAutoSaveDelay)))
	if err != nil {
		return nil, sysError(fmt.Errorf("open: %w", err))
	}
	return a, nil
}

// closeApp detaches the store, keeping the first error.
func closeApp(a *app.App, err *error) {
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = sysError(cerr)
	}
}

// classify maps save and migration failures to exit codes. Problems with
// reaching the backend are system errors; rejections are user errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrUnreachable), errors.Is(err, types.ErrOffline):
		return sysError(err)
	default:
		return userError(err)
	}
}
