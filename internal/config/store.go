package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// keySeparator joins nested config file keys, so {"redis": {"port": 1}} becomes "redis:port".
const keySeparator = ":"

// Sources describes where each configuration layer is read from.
type Sources struct {
	// ConfigFile is a JSON or YAML document. A missing file is ignored.
	ConfigFile string
	// EnvFile is an optional dotenv file. The process environment wins over it.
	EnvFile string
	// Environ overrides os.Environ when non-nil.
	Environ []string
	// Args holds key/value pairs collected from the command line.
	Args map[string]string
}

// Store is the resolved, read-only key-value view of all layers.
type Store struct {
	values map[string]any
}

// NewStore wraps an already merged map. The map is copied.
func NewStore(values map[string]any) *Store {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return &Store{values: out}
}

// Resolve reads the environment, argument and file layers and merges them.
// The first layer holding a non-empty value for a key wins.
func Resolve(src Sources) (*Store, error) {
	envLayer, err := loadEnvLayer(src.EnvFile, src.Environ)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	argLayer := make(map[string]any, len(src.Args))
	for k, v := range src.Args {
		if strings.TrimSpace(v) != "" {
			argLayer[k] = v
		}
	}

	fileLayer, err := loadFileLayer(src.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	merged := map[string]any{}
	for _, layer := range []map[string]any{envLayer, argLayer, fileLayer} {
		if err := mergo.Merge(&merged, layer); err != nil {
			return nil, fmt.Errorf("merge configuration: %w", err)
		}
	}

	return &Store{values: merged}, nil
}

func loadEnvLayer(envFile string, environ []string) (map[string]any, error) {
	layer := map[string]any{}

	if envFile != "" {
		dotenv, err := godotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		default:
			for k, v := range dotenv {
				if v != "" {
					layer[k] = v
				}
			}
		}
	}

	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || value == "" {
			continue
		}
		layer[key] = value
	}

	return layer, nil
}

func loadFileLayer(path string) (map[string]any, error) {
	layer := map[string]any{}
	if path == "" {
		return layer, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return layer, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	flatten("", doc, layer)
	return layer, nil
}

func flatten(prefix string, src map[string]any, dst map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + keySeparator + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, dst)
			continue
		}
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		dst[key] = v
	}
}

// Get returns the value for key, the first default when the key is absent, or nil.
func (s *Store) Get(key string, def ...any) any {
	if v, ok := s.values[key]; ok {
		return v
	}
	if len(def) > 0 {
		return def[0]
	}
	return nil
}

// Has reports whether any layer set key.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// StringMap renders every value as a string for the typed decode.
func (s *Store) StringMap() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}
