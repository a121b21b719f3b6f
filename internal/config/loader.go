package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".fireredbot"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("FIREREDBOT_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("FIREREDBOT_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// EnvFile is the dotenv file read from the config directory.
const EnvFile = ".env"

// EnvFileCandidates lists the dotenv files LoadFrom reads, in precedence
// order: FIREREDBOT_ENV_FILE, the .env beside the config file, then the
// .env under the FIREREDBOT_HOME config directory.
func EnvFileCandidates(configPath string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" {
			return
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(strings.TrimSpace(os.Getenv("FIREREDBOT_ENV_FILE")))
	if configPath != "" {
		add(filepath.Join(filepath.Dir(configPath), EnvFile))
	}
	if home, err := resolveHomeDir(); err == nil {
		add(filepath.Join(home, ConfigDir, EnvFile))
	}
	return out
}

// loadEnvFiles exports dotenv values into the process environment. Variables
// already set win, so an earlier file beats a later one and the shell beats
// both.
func loadEnvFiles(configPath string) []string {
	var loaded []string
	for _, p := range EnvFileCandidates(configPath) {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			key, val, ok := parseEnvLine(line)
			if !ok {
				continue
			}
			if _, set := os.LookupEnv(key); !set {
				os.Setenv(key, val)
			}
		}
		loaded = append(loaded, p)
	}
	return loaded
}

// parseEnvLine accepts KEY=value with an optional export prefix. Double
// quoted values take Go escapes, single quoted values are literal and bare
// values end at a " #" comment.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	switch {
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		if unq, err := strconv.Unquote(val); err == nil {
			return key, unq, true
		}
		return key, val[1 : len(val)-1], true
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		return key, val[1 : len(val)-1], true
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return key, val, true
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		path = ""
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit config file path. An empty path or a
// missing file yields defaults plus environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	loadEnvFiles(path)

	if path != "" {
		data, err := loadResolvedConfig(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Override with environment variables for each group
	envconfig.Process("FIREREDBOT_PATHS", &cfg.Paths)
	envconfig.Process("FIREREDBOT_MODEL", &cfg.Model)
	envconfig.Process("FIREREDBOT_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process("FIREREDBOT_OPENROUTER", &cfg.Providers.OpenRouter)
	envconfig.Process("FIREREDBOT_XAI", &cfg.Providers.XAI)
	envconfig.Process("FIREREDBOT_VLLM", &cfg.Providers.VLLM)
	envconfig.Process("FIREREDBOT_BRIDGE", &cfg.Bridge)
	envconfig.Process("FIREREDBOT_AGENT", &cfg.Agent)
	envconfig.Process("FIREREDBOT_HISTORY", &cfg.History)
	envconfig.Process("FIREREDBOT_GATEWAY", &cfg.Gateway)
	envconfig.Process("FIREREDBOT_KAFKA", &cfg.Broadcast.Kafka)
	envconfig.Process("FIREREDBOT_SLACK", &cfg.Broadcast.Slack)
	envconfig.Process("FIREREDBOT_LOG", &cfg.Logging)

	// Fallback for API Keys
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Providers.XAI.APIKey == "" {
		cfg.Providers.XAI.APIKey = os.Getenv("XAI_API_KEY")
	}

	// Expand ~ in paths
	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Paths.StateDir)
	expandHome(&cfg.Paths.TimelineDB)
	expandHome(&cfg.Paths.SystemPromptFile)

	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(absPath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", absPath, err)
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}

		existing, ok := dst[key]
		if !ok {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		if !dstIsMap {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
