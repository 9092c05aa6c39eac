package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/workbook/internal/paths"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workbook storage",
		Long:  "Create configuration and data directories, then initialize the local store.",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) (err error) {
	configPath := filepath.Join(state.configDir, paths.ConfigFileName)
	if err := writeConfigIfMissing(configPath, flags.dataDir); err != nil {
		return sysError(fmt.Errorf("write config: %w", err))
	}

	cfg, err := buildConfig(state.v)
	if err != nil {
		return userError(err)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a, &err)

	if flags.jsonMode {
		return printJSON(cmd, map[string]string{
			"config":  state.configDir,
			"data":    cfg.DataDir,
			"backend": cfg.Backend,
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Workbook initialized successfully")
	fmt.Fprintln(out, "  config: ", state.configDir)
	fmt.Fprintln(out, "  data:   ", cfg.DataDir)
	fmt.Fprintln(out, "  backend:", cfg.Backend)
	return nil
}
