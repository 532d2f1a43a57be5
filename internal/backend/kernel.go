package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deixis/uarch/internal/fault"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/probe"
	"github.com/deixis/uarch/internal/rebuild"
	"go.uber.org/zap"
)

// Recipe is the kbuild file generated into the module directory.
const Recipe = "Makefile"

type kernelBackend struct {
	env Env
}

func (b *kernelBackend) Kind() module.Kind { return module.Kernel }

// Compile queries the running kernel's release, rewrites the module's
// kbuild recipe and runs the kernel build against it. The build itself is
// skipped when <module>.ko is newer than every source and header and was
// built from the same recipe for the same kernel release.
func (b *kernelBackend) Compile(ctx context.Context, d *module.Descriptor) error {
	tc := b.env.Toolchain
	release, err := tc.KernelRelease(ctx)
	if err != nil {
		return err
	}

	recipe, err := KbuildRecipe(d, tc.Include, tc.AssemblyObject(d.Target))
	if err != nil {
		return err
	}
	path := filepath.Join(d.Dir, Recipe)
	if err := os.WriteFile(path, []byte(recipe), 0o644); err != nil {
		return fault.New(fault.Resource, "write recipe", path, err)
	}

	ko := d.KernelObject()
	line := "release " + release + "\n" + recipe
	inputs := tc.Inputs(d.Dir, append(d.SourcePaths(), tc.AssemblyHelper(d.Target)))
	stale, err := rebuild.CheckStamped(ko, line, inputs...)
	if err != nil {
		return err
	}
	if !stale {
		b.env.Logger.Info("up to date", zap.String("artifact", ko))
		return nil
	}

	if err := rebuild.Unstamp(ko); err != nil {
		return err
	}
	if err := tc.KernelModule(ctx, d.Dir, release); err != nil {
		return err
	}
	return rebuild.Stamp(ko, line)
}

// KbuildRecipe renders the kbuild file for d. Objects are named after the
// module's sources; the assembly helper object is referenced relative to
// the module directory.
func KbuildRecipe(d *module.Descriptor, include, helperObject string) (string, error) {
	helper, err := filepath.Rel(d.Dir, helperObject)
	if err != nil {
		return "", fault.New(fault.Config, "locate assembly helper", helperObject, err)
	}

	objs := make([]string, 0, len(d.Sources)+1)
	for _, src := range d.Sources {
		objs = append(objs, strings.TrimSuffix(src, filepath.Ext(src))+".o")
	}
	objs = append(objs, helper)

	var b strings.Builder
	fmt.Fprintf(&b, "ccflags-y += -I%s -D%s=1 -D%s\n", include, d.Target.Macro(), d.Kind.Macro())
	fmt.Fprintf(&b, "obj-m += %s.o\n", d.Name)
	fmt.Fprintf(&b, "%s-objs := %s\n", d.Name, strings.Join(objs, " "))
	return b.String(), nil
}

// Run loads the kernel module, hands it the request through its control
// device and removes it again, then diagnoses the copied-out record.
func (b *kernelBackend) Run(ctx context.Context, d *module.Descriptor, x Execution) error {
	req := probe.NewRequest(x.CPU, x.Result)
	if err := b.env.Session.Run(ctx, d.KernelObject(), d.DevicePath(), req); err != nil {
		return err
	}
	record(d, x, b.env.Logger)
	return nil
}
