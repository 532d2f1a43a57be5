package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/deixis/uarch"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/report"
	"github.com/spf13/cobra"
)

func (a *app) inspectCmd() *cobra.Command {
	var (
		limit  int
		record bool
	)
	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Show a stored run, or list recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.setup()
			if err != nil {
				return err
			}
			defer env.Close()

			store := env.engine().Store
			if store == nil {
				return errors.New("run reports are disabled (store.backend: none)")
			}
			if len(args) == 0 {
				return a.listRuns(store, limit)
			}

			r, err := store.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, r.Summary())
			if record && len(r.Result) > 0 {
				fmt.Fprint(a.stdout, hex.Dump(r.Result))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&record, "record", false, "hex dump the result record")
	return cmd
}

func (a *app) listRuns(store report.Store, limit int) error {
	lister, ok := store.(report.Lister)
	if !ok {
		return errors.New("the configured store cannot list runs")
	}
	runs, err := lister.List(limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(a.stdout, "%s  %s  %-12s %-8s %-10s %s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Module, r.Runner, r.Target, r.Outcome())
	}
	return nil
}

func (a *app) modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules in the module directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := a.setup()
			if err != nil {
				return err
			}
			defer env.Close()

			dir := env.loaded.Resolve(env.loaded.Config.ModuleDir())
			names, err := module.List(dir)
			if err != nil {
				return err
			}
			for _, name := range names {
				d, err := module.Load(dir, name, module.X86_64, module.User)
				if err != nil {
					fmt.Fprintf(a.stdout, "%s\tinvalid: %v\n", name, err)
					continue
				}
				fmt.Fprintf(a.stdout, "%s\t%s\n", name, strings.Join(d.Sources, " "))
			}
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.stdout, uarch.Version)
		},
	}
}
