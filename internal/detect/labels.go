package detect

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadClassNames reads one class name per line from a model's names file.
// Blank lines and surrounding whitespace are ignored.
func LoadClassNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading class names")
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no class names in %s", path)
	}
	return names, nil
}
