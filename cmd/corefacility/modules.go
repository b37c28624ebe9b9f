package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"corefacility/internal/config"
	"corefacility/internal/entity"
	"corefacility/internal/infra/persistence"
	"corefacility/internal/logging"
	"corefacility/internal/modules"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect and manage installed modules",
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known module and its state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRegistry(cmd, func(r *modules.Registry, _ *entity.Session) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APP CLASS\tALIAS\tSTATE\tENABLED\tAPPLICATION")
			for _, m := range r.Modules() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", m.AppClass(), m.Alias(), m.State(), m.IsEnabled(), m.IsApplication())
			}
			return w.Flush()
		})
	},
}

var modulesInstallCmd = &cobra.Command{
	Use:   "install [app_class...]",
	Short: "Install the given modules, or every uninstalled module",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(r *modules.Registry, s *entity.Session) error {
			if len(args) == 0 {
				installed, err := r.InstallAll(cmd.Context(), s)
				for _, class := range installed {
					cmd.Printf("installed %s\n", class)
				}
				return err
			}
			for _, class := range args {
				if err := r.Install(cmd.Context(), s, class); err != nil {
					return err
				}
				cmd.Printf("installed %s\n", class)
			}
			return nil
		})
	},
}

func setEnabledCmd(use string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <app_class>",
		Short: "Set is_enabled of a module to " + fmt.Sprint(enable),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(r *modules.Registry, s *entity.Session) error {
				m, err := r.Module(args[0])
				if err != nil {
					return err
				}
				if err := r.SetEnabled(cmd.Context(), s, m, enable); err != nil {
					return err
				}
				cmd.Printf("%s enabled=%t\n", m.AppClass(), m.IsEnabled())
				return nil
			})
		},
	}
}

func init() {
	modulesCmd.AddCommand(modulesListCmd, modulesInstallCmd, setEnabledCmd("enable", true), setEnabledCmd("disable", false))
	rootCmd.AddCommand(modulesCmd)
}

func withRegistry(cmd *cobra.Command, fn func(*modules.Registry, *entity.Session) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	return withDatabase(cmd, func(db *persistence.Database) error {
		r, err := modules.NewRegistry(modules.DefaultCatalog(),
			modules.WithEnvironment(modules.Environment{EmailSupport: cfg.Core.EmailSupport}),
			modules.WithLogger(logger))
		if err != nil {
			return err
		}
		s := entity.NewSession(db, entity.WithLogger(logger))
		if err := r.Autoload(cmd.Context(), s); err != nil {
			logger.Error("autoload failed", zap.Error(err))
			return err
		}
		return fn(r, s)
	})
}
