// Package beeconfig accumulates configuration overrides for a swarm daemon
// and renders them, layered over a fixed default profile, either as the
// content of the daemon's JSON config file or as a command-line argument
// list.
package beeconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
)

// Value is a scalar configuration value: string, bool, nil, any Go integer
// or float kind, or json.Number. Other types are rejected at render time.
type Value = interface{}

// defaultConfig selects a single-node local deployment with verbose logging
// to stdout. Never mutated; readers get copies.
var defaultConfig = map[string]Value{
	"stack":         "beekeeper-local",
	"debug_logging": true,
	"log_to_stdout": true,
}

// Builder holds the override layer. The zero value is not usable; call New.
type Builder struct {
	overrides map[string]Value
	mutex     sync.RWMutex
}

func New() *Builder {
	return &Builder{
		overrides: make(map[string]Value),
	}
}

// Defaults returns a copy of the built-in default set.
func Defaults() map[string]Value {
	return copyMap(defaultConfig)
}

// Set records or overwrites the override for name. Any key is accepted.
func (b *Builder) Set(name string, value Value) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.overrides[name] = value
}

// Unset drops the override for name, letting a default show through again.
func (b *Builder) Unset(name string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.overrides, name)
}

func (b *Builder) Overrides() map[string]Value {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return copyMap(b.overrides)
}

// RenderData overlays the overrides onto the defaults. The override wins on
// key collision.
func (b *Builder) RenderData() (map[string]Value, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	resolved := make(map[string]Value, len(defaultConfig)+len(b.overrides))
	for name, value := range defaultConfig {
		resolved[name] = value
	}
	for name, value := range b.overrides {
		resolved[name] = value
	}

	for name, value := range resolved {
		if err := validateValue(name, value); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// RenderJSON renders the resolved configuration as an indented JSON object
// with sorted keys, terminated by a newline.
func (b *Builder) RenderJSON() ([]byte, error) {
	data, err := b.RenderData()
	if err != nil {
		return nil, err
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, errors.NewConfigError("failed to encode configuration", err)
	}
	return append(encoded, '\n'), nil
}

// RenderArguments renders the resolved configuration as flag/value pairs,
// sorted by key: "--listener-port", "50001", ...
func (b *Builder) RenderArguments() ([]string, error) {
	data, err := b.RenderData()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]string, 0, 2*len(names))
	for _, name := range names {
		args = append(args, FlagName(name), formatValue(data[name]))
	}
	return args, nil
}

// Fingerprint is the canonical rendering, used to detect overrides that
// changed after the config file was written.
func (b *Builder) Fingerprint() (string, error) {
	data, err := b.RenderData()
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewConfigError("failed to encode configuration", err)
	}
	return string(encoded), nil
}

// LoadOverridesFile reads a flat JSON object, comments and trailing commas
// allowed, and applies each entry as an override.
func (b *Builder) LoadOverridesFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.NewIOError("failed to read overrides file", err).WithContext("path", path)
	}

	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(content)))
	decoder.UseNumber()

	var raw map[string]interface{}
	if err := decoder.Decode(&raw); err != nil {
		return errors.NewConfigError("overrides file must hold a JSON object", err).WithContext("path", path)
	}

	values := make(map[string]Value, len(raw))
	for name, value := range raw {
		if number, ok := value.(json.Number); ok {
			value = normalizeNumber(number)
		}
		if err := validateValue(name, value); err != nil {
			return err.WithContext("path", path)
		}
		values[name] = value
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	for name, value := range values {
		b.overrides[name] = value
	}
	return nil
}

// FlagName maps a config key to its command-line flag: snake_case keys
// become --kebab-case flags.
func FlagName(name string) string {
	return "--" + strings.ReplaceAll(name, "_", "-")
}

func validateValue(name string, value Value) *errors.DomainError {
	switch v := value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case json.Number:
		// the same check RenderJSON applies
		if _, err := json.Marshal(v); err != nil {
			return errors.NewConfigError("malformed number value", err).WithContext("key", name)
		}
		return nil
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.NewConfigError("non-finite float value", nil).WithContext("key", name)
		}
		return nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewConfigError("non-finite float value", nil).WithContext("key", name)
		}
		return nil
	default:
		return errors.NewConfigError(fmt.Sprintf("unsupported value type %T", value), nil).WithContext("key", name)
	}
}

func formatValue(value Value) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return v.String()
	default:
		// integer kinds
		return fmt.Sprintf("%d", v)
	}
}

func normalizeNumber(number json.Number) Value {
	if i, err := number.Int64(); err == nil {
		return i
	}
	if f, err := number.Float64(); err == nil {
		return f
	}
	return number
}

func copyMap(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
