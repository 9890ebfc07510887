package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/offshore-budgeting/ledgersync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		shown := *cc.Cfg.Config
		if shown.Remote.AccessToken != "" {
			shown.Remote.AccessToken = "(set)"
		}

		return printJSON(cmd.OutOrStdout(), struct {
			Path   string         `json:"path"`
			Config *config.Config `json:"config"`
		}{cc.Cfg.Path, &shown})
	}

	return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write a commented default config file",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			path, err := configFilePath(cc.Flags)
			if err != nil {
				return err
			}

			if err := config.CreateDefault(path); err != nil {
				if errors.Is(err, config.ErrConfigExists) {
					return fmt.Errorf("%s already exists; edit it or use 'config set'", path)
				}

				return err
			}

			cc.Statusf("Wrote %s\n", path)

			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <section.key> <value>",
		Short: "Set one config value",
		Long: `Set a single key in the config file, creating the file if needed. The
edited file is validated before it replaces the old one.

If a "migrate --watch" is running for the configured data directory it is
sent SIGHUP so it picks up the change.

Example:
  ledgersync config set readiness.import_timeout 20s`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigSet,
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	section, key, ok := strings.Cut(args[0], ".")
	if !ok || section == "" || key == "" {
		return fmt.Errorf("key %q must have the form section.key", args[0])
	}

	path, err := configFilePath(cc.Flags)
	if err != nil {
		return err
	}

	if err := config.SetKey(path, section, key, args[1]); err != nil {
		return err
	}

	cc.Statusf("Set %s.%s in %s\n", section, key, path)

	notifyWatcher(cc)

	return nil
}

// configFilePath returns the config file a write command targets: --config,
// then LEDGERSYNC_CONFIG, then the platform default.
func configFilePath(flags CLIFlags) (string, error) {
	if flags.ConfigPath != "" {
		return flags.ConfigPath, nil
	}

	env, err := config.ReadEnvOverrides()
	if err != nil {
		return "", err
	}

	if env.ConfigPath != "" {
		return env.ConfigPath, nil
	}

	return config.DefaultConfigPath(), nil
}

// notifyWatcher nudges a running "migrate --watch". Having none is normal.
func notifyWatcher(cc *CLIContext) {
	resolved, err := loadConfig(cc.Flags)
	if err != nil {
		return
	}

	if err := signalMigrate(&resolved.Store); err != nil {
		cc.Logger.Debug("no watcher notified", slog.String("reason", err.Error()))
		return
	}

	statusf(cc.Flags.Quiet, "Notified running migrate\n")
}
