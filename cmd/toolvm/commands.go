package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/freewebtopdf/toolvm/internal/config"
	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/install"
	"github.com/freewebtopdf/toolvm/internal/localdb"
)

// cli carries the global flags and the lazily built components
type cli struct {
	verbose bool
	app     *app
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}

	root := &cobra.Command{
		Use:           "toolvm",
		Short:         "Install and manage versioned developer tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg, c.verbose)
			logStartupConfig(cfg)

			c.app, err = newApp(cfg, cmd.ErrOrStderr())
			return err
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "show full error chains and debug logs")

	root.AddCommand(
		c.indexCmd(),
		c.infoCmd(),
		c.latestCmd(),
		c.installCmd(),
		c.uninstallCmd(),
		c.listCmd(),
		c.outdatedCmd(),
		c.depsCmd(),
		c.cleanCmd(),
		c.maintainCmd(),
		c.serveCmd(),
	)
	return root, c
}

func (c *cli) indexCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the package index from the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			load := c.app.index
			if refresh {
				load = c.app.refresh
			}
			idx, err := load(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d packages indexed\n", idx.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-fetch sources and rebuild the index")
	return cmd
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>[@version]",
		Short: "Show indexed metadata for a package series or version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := c.app.index(cmd.Context())
			if err != nil {
				return err
			}

			if !strings.Contains(args[0], "@") {
				series, ok := idx.Series(args[0])
				if !ok {
					return domain.NewSeriesNotFoundError(args[0])
				}
				return printJSON(cmd.OutOrStdout(), series)
			}

			key, err := domain.ParsePackageKey(args[0])
			if err != nil {
				return err
			}
			info, err := idx.GetPackageInfo(key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func (c *cli) latestCmd() *cobra.Command {
	var pre bool
	cmd := &cobra.Command{
		Use:   "latest <id>",
		Short: "Print the newest indexed version of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := c.app.index(cmd.Context())
			if err != nil {
				return err
			}
			info, err := idx.GetLatest(args[0], pre)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.Meta.Version.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&pre, "pre", false, "consider prerelease versions")
	return cmd
}

func (c *cli) installCmd() *cobra.Command {
	var pre bool
	cmd := &cobra.Command{
		Use:   "install <id>[@version]",
		Short: "Download and install a verified package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.withService(cmd.Context(), func(svc *install.Service, _ *localdb.Mutator) error {
				var (
					record *domain.InstalledPackageInfo
					err    error
				)
				if strings.Contains(args[0], "@") {
					key, perr := domain.ParsePackageKey(args[0])
					if perr != nil {
						return perr
					}
					record, err = svc.Install(cmd.Context(), key)
				} else {
					record, err = svc.InstallLatest(cmd.Context(), args[0], pre)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "installed %s into %s\n", record.Meta.Key(), record.Install.Path)
				for _, failure := range record.Install.HookFailures {
					fmt.Fprintf(out, "  hook failed: %s\n", failure)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pre, "pre", false, "allow a prerelease when no version is given")
	return cmd
}

func (c *cli) uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>@<version>",
		Short: "Remove an installed package version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := domain.ParsePackageKey(args[0])
			if err != nil {
				return err
			}
			return c.app.withService(cmd.Context(), func(svc *install.Service, _ *localdb.Mutator) error {
				if err := svc.Uninstall(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", key)
				return nil
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := c.app.installed(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tINSTALLED\tPATH")
			for _, key := range handle.Keys() {
				record, ok := handle.Get(key)
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", key.ID, key.Version,
					record.Install.InstalledAt.Format("2006-01-02 15:04"), record.Install.Path)
			}
			return w.Flush()
		},
	}
}

func (c *cli) outdatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outdated",
		Short: "List installed packages with a newer indexed version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.withService(cmd.Context(), func(svc *install.Service, _ *localdb.Mutator) error {
				updates, err := svc.Outdated(cmd.Context())
				if err != nil {
					return err
				}
				for _, u := range updates {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", u.ID, u.Installed, u.Available)
				}
				return nil
			})
		},
	}
}

func (c *cli) depsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <id>@<version>",
		Short: "Check an indexed version's dependencies against installed packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := domain.ParsePackageKey(args[0])
			if err != nil {
				return err
			}
			idx, err := c.app.index(cmd.Context())
			if err != nil {
				return err
			}
			info, err := idx.GetPackageInfo(key)
			if err != nil {
				return err
			}
			handle, err := c.app.installed(cmd.Context())
			if err != nil {
				return err
			}

			result, err := install.NewDependencyChecker(handle).CheckDependencies(cmd.Context(), info.Meta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func (c *cli) cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete downloaded artefacts older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := c.app.artefacts.Clean(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d artefacts removed\n", len(removed))
			return nil
		},
	}
}

func (c *cli) maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Repair the installation database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := localdb.OpenMutator(cmd.Context(), c.app.cfg.Storage.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.Maintain(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.Store(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
