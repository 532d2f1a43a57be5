package main

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/deixis/uarch/internal/rebuild"
	"github.com/deixis/uarch/internal/runner"
	"github.com/spf13/cobra"
)

type rebuildFlags struct {
	output string
	yes    bool
	suid   bool
	force  bool
}

func (a *app) rebuildCmd() *cobra.Command {
	var f rebuildFlags
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the orchestrator binary when its sources changed",
		Long: `Rebuilds the orchestrator binary from the project's Go sources when any of
them is newer than the binary. With --suid the fresh binary is handed to root
and marked setuid so probes can load kernel modules; this asks for
confirmation unless --yes is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.rebuild(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.output, "output", "o", "orchestrator", "binary to rebuild, relative to the project root")
	flags.BoolVarP(&f.yes, "yes", "y", false, "answer yes to all questions")
	flags.BoolVar(&f.suid, "suid", false, "make the rebuilt binary setuid root")
	flags.BoolVarP(&f.force, "force", "f", false, "rebuild even when the binary is up to date")
	return cmd
}

func (a *app) rebuild(cmd *cobra.Command, f rebuildFlags) error {
	env, err := a.setup()
	if err != nil {
		return err
	}
	defer env.Close()

	binary := env.loaded.Resolve(f.output)
	sources, err := goSources(env.loaded.Root)
	if err != nil {
		return err
	}

	if !f.force {
		stale, err := rebuild.Check(binary, sources...)
		if err != nil {
			return err
		}
		if !stale {
			fmt.Fprintf(a.stdout, "%s is up to date\n", f.output)
			return nil
		}
	}

	if f.suid && !f.yes {
		prompt := fmt.Sprintf("This will compile %s to a setuid-root binary. Is it okay? [y/N]: ", f.output)
		if !confirm(a.stdin, a.stdout, prompt) {
			return nil
		}
	}

	exec := env.engine().Exec
	_, err = rebuild.Self(cmd.Context(), exec, rebuild.SelfOptions{
		Binary:  binary,
		Sources: sources,
		Build:   []string{"go", "build", "-o", binary, "./cmd/orchestrator"},
		Force:   true,
		Logger:  env.logger,
	})
	if err != nil {
		return err
	}

	if f.suid {
		script := fmt.Sprintf("chown root:root %[1]s && chmod u+s %[1]s", shellQuote(binary))
		if err := exec.Run(cmd.Context(), []string{"sudo", "-E", "/bin/sh", "-c", script}); err != nil {
			return runner.Classify("set setuid bit", err)
		}
	}
	fmt.Fprintf(a.stdout, "rebuilt %s\n", f.output)
	return nil
}

// confirm asks prompt on w and reports whether the answer read from r
// starts with 'y'.
func confirm(r io.Reader, w io.Writer, prompt string) bool {
	fmt.Fprint(w, prompt)
	line, _ := bufio.NewReader(r).ReadString('\n')
	return strings.HasPrefix(strings.TrimSpace(line), "y")
}

// goSources lists the non-test Go files under root, skipping the
// directories the go tool ignores.
func goSources(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return files, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
