package module

import (
	"fmt"
	"strings"
)

// Target is the instruction-set architecture a module is built for.
type Target int

const (
	X86_64 Target = iota
	RISCV32

	// NumTargets is the number of supported targets.
	NumTargets = iota
)

var targetNames = [NumTargets]string{
	X86_64:  "x86-64",
	RISCV32: "riscv32",
}

func (t Target) String() string {
	if t < 0 || int(t) >= NumTargets {
		return fmt.Sprintf("Target(%d)", int(t))
	}
	return targetNames[t]
}

// Macro returns the preprocessor selector for the target, for example
// TARGET_X86_64. It also names the target's assembly helper.
func (t Target) Macro() string {
	return "TARGET_" + macroize(t.String())
}

// ParseTarget maps a CLI name onto a Target. Matching is exact.
func ParseTarget(s string) (Target, error) {
	for i, name := range targetNames {
		if s == name {
			return Target(i), nil
		}
	}
	return 0, fmt.Errorf("unknown target %q (want one of %s)", s, strings.Join(targetNames[:], ", "))
}

// Targets lists the accepted target names.
func Targets() []string { return append([]string(nil), targetNames[:]...) }

// Kind selects the backend a module is compiled for and run in.
type Kind int

const (
	User Kind = iota
	Kernel
	Simulation

	// NumKinds is the number of runner kinds. Every backend switch over
	// Kind is checked against it at compile time.
	NumKinds = iota
)

var kindNames = [NumKinds]string{
	User:       "user",
	Kernel:     "kernel",
	Simulation: "simulation",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= NumKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Macro returns the preprocessor selector for the kind, for example
// RUNNER_KERNEL.
func (k Kind) Macro() string {
	return "RUNNER_" + macroize(k.String())
}

// ParseKind maps a CLI name onto a Kind. Matching is exact.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown runner %q (want one of %s)", s, strings.Join(kindNames[:], ", "))
}

// Kinds lists the accepted runner names.
func Kinds() []string { return append([]string(nil), kindNames[:]...) }

func macroize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}
