package envstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/moby/sys/atomicwriter"
)

// Snapshot maps environment variable names to values.
type Snapshot map[string]string

// Provider supplies the current environment.
type Provider interface {
	Current() (Snapshot, error)
}

// ProcessProvider reads the process environment, overlaid with an optional
// dotenv file maintained by an external secret provider.
type ProcessProvider struct {
	EnvFile string
}

// Current returns the process environment merged with the env file. A
// missing env file is not an error.
func (p ProcessProvider) Current() (Snapshot, error) {
	snap := Snapshot{}
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			snap[name] = value
		}
	}

	if p.EnvFile == "" {
		return snap, nil
	}

	data, err := os.ReadFile(p.EnvFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	file, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", p.EnvFile, err)
	}
	for k, v := range file {
		snap[k] = v
	}
	return snap, nil
}

// Parse reads a dotenv file: NAME=value lines with optional "export "
// prefixes, "#" comments (also trailing an unquoted value) and single or
// double quoted values, which may span several lines.
func Parse(data string) (Snapshot, error) {
	vars, err := godotenv.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return Snapshot(vars), nil
}

// Format renders a normalized snapshot as sorted NAME="value" lines.
func Format(snap Snapshot) (string, error) {
	text, err := godotenv.Marshal(Normalize(snap))
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if text == "" {
		return "", nil
	}
	return text + "\n", nil
}

// Normalize returns snap as it reads back from a saved snapshot. Entries
// the dotenv syntax cannot carry are dropped: names outside [A-Za-z0-9_.]
// and values whose decoded form does not decode to itself again. Values
// rewritten by the encoder, such as "007" stored as 7, take their decoded
// form.
func Normalize(snap Snapshot) Snapshot {
	out := make(Snapshot, len(snap))
	for name, value := range snap {
		if !validName(name) {
			continue
		}

		decoded, ok := roundTrip(name, value)
		if !ok {
			continue
		}
		if again, ok := roundTrip(name, decoded); ok && again == decoded {
			out[name] = decoded
		}
	}
	return out
}

// roundTrip encodes a single entry and decodes it again.
func roundTrip(name, value string) (string, bool) {
	line, err := godotenv.Marshal(map[string]string{name: value})
	if err != nil {
		return "", false
	}
	back, err := godotenv.Unmarshal(line)
	if err != nil {
		return "", false
	}
	v, ok := back[name]
	return v, ok
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r != '_' && r != '.' && !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return false
		}
	}
	return true
}

// Load reads the snapshot at path. The boolean reports whether the file
// existed.
func Load(path string) (Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	snap, err := Parse(string(data))
	if err != nil {
		return nil, true, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	return snap, true, nil
}

// Save atomically writes the snapshot to path with owner-only permissions.
func Save(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	text, err := Format(snap)
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(path, []byte(text), 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Changed returns the sorted names whose values differ between prev and
// cur, including names present in only one of them. Both sides are compared
// in normalized form, so a value the snapshot cannot store verbatim does not
// count as changed on every check.
func Changed(prev, cur Snapshot) []string {
	prev, cur = Normalize(prev), Normalize(cur)

	var names []string
	for name, v := range cur {
		if old, ok := prev[name]; !ok || old != v {
			names = append(names, name)
		}
	}
	for name := range prev {
		if _, ok := cur[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
