package postfix

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// MainCf edits `key = value` lines of the Postfix main configuration in
// place. Unlike the map registries it never regenerates the file: only the
// matched lines change, everything else (comments, ordering, parameters this
// tool does not know about) is preserved byte for byte.
type MainCf struct {
	path string
}

// NewMainCf wraps the main.cf at path.
func NewMainCf(path string) MainCf {
	return MainCf{path: path}
}

// Path returns the wrapped file path.
func (m MainCf) Path() string { return m.path }

func keyPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(key) + `\s*=.*$`)
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Get returns the current value of each requested key. Missing keys map to
// the empty string.
func (m MainCf) Get(keys ...string) (map[string]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.path, err)
	}
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		values[key] = ""
		if match := keyPattern(key).Find(data); match != nil {
			line := string(match)
			if idx := strings.Index(line, "="); idx >= 0 {
				values[key] = strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return values, nil
}

// Set rewrites each key's line in place, appending the line when the key is
// absent. An empty value removes the key's line entirely.
func (m MainCf) Set(params map[string]string) error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.path, err)
	}
	data := string(raw)

	for key, value := range params {
		re := keyPattern(key)
		switch {
		case value == "":
			data = re.ReplaceAllLiteralString(data, "")
		case re.MatchString(data):
			// Literal replacement: values like "$mydomain" must land verbatim,
			// not be expanded as capture references.
			data = re.ReplaceAllLiteralString(data, key+" = "+value)
		default:
			data = strings.TrimRight(data, "\n") + "\n" + key + " = " + value + "\n"
		}
	}
	data = blankRuns.ReplaceAllString(data, "\n\n")

	if err := os.WriteFile(m.path, []byte(data), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", m.path, err)
	}
	return nil
}
