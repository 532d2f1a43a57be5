package rebuild

import (
	"errors"
	"io/fs"
	"os"

	"github.com/deixis/uarch/internal/fault"
)

// StampSuffix names the file next to an artifact that records the build
// line it was produced with.
const StampSuffix = ".build"

// CheckStamped is Check extended with the build line: an up-to-date
// output still needs a rebuild when it has no recorded line or was built
// with a different one, such as other -D selectors or another kbuild
// recipe.
func CheckStamped(output, line string, inputs ...string) (bool, error) {
	stale, err := Check(output, inputs...)
	if err != nil || stale {
		return stale, err
	}

	path := output + StampSuffix
	recorded, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fault.New(fault.Config, "read build stamp", path, err)
	}
	return string(recorded) != line, nil
}

// Unstamp forgets the build line of output. It is called before a build
// so that a failed build never leaves a matching stamp behind.
func Unstamp(output string) error {
	path := output + StampSuffix
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.New(fault.Resource, "remove build stamp", path, err)
	}
	return nil
}

// Stamp records line as the build line of output.
func Stamp(output, line string) error {
	path := output + StampSuffix
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fault.New(fault.Resource, "write build stamp", path, err)
	}
	return nil
}
