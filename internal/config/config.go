package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"

	"gitdeck/internal/git"
)

const (
	appDirName         = "gitdeck"
	configFileName     = "config.yaml"
	workspacesFileName = "workspaces.yaml"

	// maxValidPort is the highest TCP port. 0 means "OS auto-assign".
	maxValidPort = 65535

	// maxScanDepth bounds scan.max_depth. Source trees rarely nest
	// repositories more than a handful of levels deep; 32 still allows
	// deep monorepo layouts while keeping a drop of "/" from walking the
	// whole disk.
	maxScanDepth = 32

	// maxWorkers bounds operations.workers. Each worker runs one git child
	// process, and network-bound fetches stop getting faster long before 64
	// (most hosts also rate-limit parallel SSH sessions from one client).
	maxWorkers = 64

	// maxFetchRetries bounds the total fetch attempts. With the delay
	// doubling from the default 1s up to the coordinator's 30s cap, 10
	// attempts wait about two and a half minutes, past any outage an
	// automatic retry can ride out.
	maxFetchRetries = 10

	// maxRetryBackoff caps the first retry delay. Longer values leave the
	// repository marked as syncing with no visible progress.
	maxRetryBackoff = time.Minute

	// maxFetchAllDelay caps the stagger between fetch-all starts. Fetch-all
	// over a large workspace multiplies it by the repository count.
	maxFetchAllDelay = 10 * time.Second

	// The watch debounce window is kept between 50ms, below which a single
	// commit (index, HEAD and ref writes) triggers several refreshes, and
	// 30s, above which the UI no longer feels live.
	minWatchDebounce = 50 * time.Millisecond
	maxWatchDebounce = 30 * time.Second

	// Window sizes below these cannot show the tree next to the status
	// panel; smaller saved sizes are replaced with the defaults.
	minWindowWidth  = 640
	minWindowHeight = 400

	// defaultHistoryKeep bounds journal rows. 5000 rows cover months of
	// normal use and keep the SQLite file well under a megabyte.
	defaultHistoryKeep = 5000
)

// Config is the gitdeck runtime configuration.
type Config struct {
	Scan       ScanConfig       `yaml:"scan" json:"scan"`
	Operations OperationsConfig `yaml:"operations" json:"operations"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	History    HistoryConfig    `yaml:"history" json:"history"`
	// WebSocketPort is the event stream port. 0 lets the OS pick one.
	WebSocketPort int `yaml:"websocket_port" json:"websocket_port"`
	// WorkspacesFile holds the workspace tree. Relative paths resolve
	// against the config directory; empty means workspaces.yaml next to
	// config.yaml.
	WorkspacesFile  string       `yaml:"workspaces_file,omitempty" json:"workspaces_file,omitempty"`
	ActiveWorkspace string       `yaml:"active_workspace,omitempty" json:"active_workspace,omitempty"`
	SortByName      bool         `yaml:"sort_by_name" json:"sort_by_name"`
	Window          WindowConfig `yaml:"window" json:"window"`
}

// ScanConfig controls folder scanning on drop.
type ScanConfig struct {
	MaxDepth   int      `yaml:"max_depth" json:"max_depth"`
	SkipHidden bool     `yaml:"skip_hidden" json:"skip_hidden"`
	SkipNames  []string `yaml:"skip_names" json:"skip_names"`
}

// OperationsConfig controls git operation scheduling.
type OperationsConfig struct {
	// Workers bounds git operations running at once across all
	// repositories. Operations on one repository never overlap regardless.
	Workers int `yaml:"workers" json:"workers"`
	// Remote is the remote used by fetch, pull and push.
	Remote string `yaml:"remote" json:"remote"`
	// PullPolicy is ff-only, merge or rebase. ff-only never creates commits
	// on the user's behalf, so it is the default.
	PullPolicy string `yaml:"pull_policy" json:"pull_policy"`
	// FetchRetries is the total number of fetch attempts when the remote is
	// unreachable. 1 disables retry. Only network failures are retried.
	FetchRetries int `yaml:"fetch_retries" json:"fetch_retries"`
	// FetchRetryBackoff is the delay before the second attempt; it doubles
	// after each further failure.
	FetchRetryBackoff time.Duration `yaml:"fetch_retry_backoff" json:"fetch_retry_backoff"`
	// FetchAllStagger spaces the starts of a fetch-all so that dozens of
	// repositories on one host do not open their connections at the same
	// instant. 0 starts them all at once, still bounded by Workers.
	FetchAllStagger time.Duration `yaml:"fetch_all_stagger" json:"fetch_all_stagger"`
	// Timeout bounds each git attempt; a retried fetch gets a fresh timeout
	// per attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// WatchConfig controls automatic refresh on repository changes.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// HistoryConfig controls the operation journal.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	// Keep bounds journal rows; older rows are pruned at startup.
	Keep int `yaml:"keep" json:"keep"`
}

type WindowConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Scan: ScanConfig{
			MaxDepth:   6,
			SkipHidden: true,
			SkipNames:  []string{"node_modules", "target", "build", "vendor"},
		},
		Operations: OperationsConfig{
			Workers:           8,
			Remote:            "origin",
			PullPolicy:        string(git.PullFastForwardOnly),
			FetchRetries:      3,
			FetchRetryBackoff: time.Second,
			FetchAllStagger:   200 * time.Millisecond,
			Timeout:           10 * time.Minute,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 500 * time.Millisecond,
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    defaultHistoryKeep,
		},
		SortByName: false,
		Window:     WindowConfig{Width: 1100, Height: 760},
	}
}

// DefaultDir resolves the config directory: LOCALAPPDATA, then APPDATA, then
// XDG_CONFIG_HOME, then ~/.config, and finally os.TempDir() when no home
// directory can be found. The temp fallback does not survive reboots.
func DefaultDir() string {
	base := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("APPDATA"))
	}
	if base == "" {
		base = strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	}
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			recordDefaultPathWarning(
				"Config path fallback: no config or home directory could be resolved. Using the temp directory; workspaces may not persist.",
			)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, appDirName)
}

// DefaultPath returns the config file path inside DefaultDir.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), configFileName)
}

// Load reads path. A missing or empty file yields defaults. A parse error
// returns defaults together with the error so callers can start anyway.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}

	// Decoding into the defaults keeps true defaults for omitted keys, but
	// an explicit null zeroes them.
	if rawMap, metaErr := parseRawConfigMetadata(raw); metaErr != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config metadata, keeping parsed values", "error", metaErr)
	} else {
		restoreNullDefaults(&cfg, rawMap)
	}

	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the defaults when path does not exist yet and returns
// the loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save validates cfg, fills defaults, and atomically writes it to path.
// It returns the normalized config that was written.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", normalizedPath)
	return cfg, nil
}

// Clone returns a deep copy of src.
func Clone(src Config) Config {
	dst := src
	dst.Scan.SkipNames = slices.Clone(src.Scan.SkipNames)
	return dst
}

// WorkspacesPath resolves the workspace file for a config loaded from
// configPath.
func WorkspacesPath(configPath string, cfg Config) string {
	dir := filepath.Dir(configPath)
	p := strings.TrimSpace(cfg.WorkspacesFile)
	if p == "" {
		return filepath.Join(dir, workspacesFileName)
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(dir, p)
	}
	return p
}

// HistoryPath resolves the journal database for a config loaded from
// configPath.
func HistoryPath(configPath string, cfg Config) string {
	if cfg.History.Path != "" {
		return cfg.History.Path
	}
	return filepath.Join(filepath.Dir(configPath), "history.db")
}

// applyDefaultsAndValidate fills missing values and validates cfg in place.
// Out-of-range numbers fall back to defaults with a warning so a bad edit
// never prevents startup; an unknown pull policy or remote name is an error
// because silently switching git behavior would surprise the user.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}

	normalizeScan(&cfg.Scan, defaults.Scan)
	if err := normalizeOperations(&cfg.Operations, defaults.Operations); err != nil {
		return err
	}
	cfg.Watch.Debounce = clampDuration("watch.debounce", cfg.Watch.Debounce,
		minWatchDebounce, maxWatchDebounce, defaults.Watch.Debounce)
	normalizeHistory(&cfg.History, defaults.History)
	validateWebSocketPort(cfg)
	cfg.WorkspacesFile = strings.TrimSpace(cfg.WorkspacesFile)
	cfg.ActiveWorkspace = strings.TrimSpace(cfg.ActiveWorkspace)
	if cfg.Window.Width < minWindowWidth {
		cfg.Window.Width = defaults.Window.Width
	}
	if cfg.Window.Height < minWindowHeight {
		cfg.Window.Height = defaults.Window.Height
	}
	return nil
}

func normalizeScan(sc *ScanConfig, defaults ScanConfig) {
	if sc.MaxDepth <= 0 || sc.MaxDepth > maxScanDepth {
		if sc.MaxDepth != 0 {
			slog.Warn("[WARN-CONFIG] scan.max_depth out of range, using default",
				"configured", sc.MaxDepth, "max", maxScanDepth, "default", defaults.MaxDepth)
		}
		sc.MaxDepth = defaults.MaxDepth
	}
	if sc.SkipNames == nil {
		sc.SkipNames = slices.Clone(defaults.SkipNames)
		return
	}
	seen := make(map[string]struct{}, len(sc.SkipNames))
	names := make([]string, 0, len(sc.SkipNames))
	for _, n := range sc.SkipNames {
		n = strings.TrimSpace(n)
		if n == "" || strings.ContainsAny(n, `/\`) {
			if n != "" {
				slog.Warn("[WARN-CONFIG] scan.skip_names entry must be a plain directory name, ignoring", "name", n)
			}
			continue
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, n)
	}
	sc.SkipNames = names
}

func normalizeOperations(ops *OperationsConfig, defaults OperationsConfig) error {
	if ops.Workers <= 0 || ops.Workers > maxWorkers {
		if ops.Workers != 0 {
			slog.Warn("[WARN-CONFIG] operations.workers out of range, using default",
				"configured", ops.Workers, "max", maxWorkers)
		}
		ops.Workers = defaults.Workers
	}
	ops.Remote = strings.TrimSpace(ops.Remote)
	if ops.Remote == "" {
		ops.Remote = defaults.Remote
	}
	if err := git.ValidateRemoteName(ops.Remote); err != nil {
		return fmt.Errorf("operations.remote: %w", err)
	}
	ops.PullPolicy = strings.ToLower(strings.TrimSpace(ops.PullPolicy))
	if ops.PullPolicy == "" {
		ops.PullPolicy = defaults.PullPolicy
	}
	if !git.PullPolicy(ops.PullPolicy).Valid() {
		return fmt.Errorf("operations.pull_policy: unknown policy %q (want ff-only, merge or rebase)", ops.PullPolicy)
	}
	if ops.FetchRetries <= 0 || ops.FetchRetries > maxFetchRetries {
		if ops.FetchRetries != 0 {
			slog.Warn("[WARN-CONFIG] operations.fetch_retries out of range, using default",
				"configured", ops.FetchRetries, "max", maxFetchRetries)
		}
		ops.FetchRetries = defaults.FetchRetries
	}
	ops.FetchRetryBackoff = clampDuration("operations.fetch_retry_backoff", ops.FetchRetryBackoff,
		time.Millisecond, maxRetryBackoff, defaults.FetchRetryBackoff)
	if ops.FetchAllStagger < 0 || ops.FetchAllStagger > maxFetchAllDelay {
		slog.Warn("[WARN-CONFIG] operations.fetch_all_stagger out of range, using default",
			"configured", ops.FetchAllStagger)
		ops.FetchAllStagger = defaults.FetchAllStagger
	}
	if ops.Timeout <= 0 {
		ops.Timeout = defaults.Timeout
	}
	return nil
}

func normalizeHistory(h *HistoryConfig, defaults HistoryConfig) {
	if h.Keep <= 0 {
		h.Keep = defaults.Keep
	}
	p := strings.TrimSpace(h.Path)
	if p == "" || p == ":memory:" {
		h.Path = p
		return
	}
	if strings.HasPrefix(p, "~") {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] history.path: failed to expand ~, using default location",
				"path", p, "error", err)
			h.Path = ""
			return
		}
		p = filepath.Join(home, p[1:])
	}
	p = filepath.Clean(expandEnv(p))
	if !filepath.IsAbs(p) {
		slog.Warn("[WARN-CONFIG] history.path is not absolute, using default location", "path", p)
		h.Path = ""
		return
	}
	h.Path = p
}

// clampDuration returns d, or def when d is unset or outside [lo, hi].
func clampDuration(field string, d, lo, hi, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	if d < lo || d > hi {
		slog.Warn("[WARN-CONFIG] duration out of range, using default",
			"field", field, "configured", d, "min", lo, "max", hi, "default", def)
		return def
	}
	return d
}

// validateWebSocketPort resets an out-of-range port to 0 (auto-assign).
// Non-fatal so a typo never keeps the app from starting.
func validateWebSocketPort(cfg *Config) {
	if cfg.WebSocketPort < 0 || cfg.WebSocketPort > maxValidPort {
		slog.Warn("[WARN-CONFIG] websocket_port out of valid range (0-65535), falling back to 0 (auto-assign)",
			"configured", cfg.WebSocketPort)
		cfg.WebSocketPort = 0
	}
}

// expandEnv expands %VAR% everywhere and $VAR / ${VAR} outside Windows,
// where '$' is a legal path character. Unknown variables are left as is.
func expandEnv(p string) string {
	lookup := func(key, token string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return token
	}
	p = windowsEnvTokenPattern.ReplaceAllStringFunc(p, func(token string) string {
		return lookup(token[1:len(token)-1], token)
	})
	if runtime.GOOS == "windows" {
		return p
	}
	return posixEnvTokenPattern.ReplaceAllStringFunc(p, func(token string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(token, "$"), "{"), "}")
		return lookup(key, token)
	})
}

func parseRawConfigMetadata(raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := yamlUnmarshalConfigMetadataFn(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// restoreNullDefaults re-applies true defaults for keys written as an
// explicit null ("enabled:" with no value), which the decoder zeroes.
func restoreNullDefaults(cfg *Config, rawMap map[string]any) {
	defaults := DefaultConfig()
	if isNullKey(rawMap, "scan", "skip_hidden") {
		cfg.Scan.SkipHidden = defaults.Scan.SkipHidden
	}
	if isNullKey(rawMap, "watch", "enabled") {
		cfg.Watch.Enabled = defaults.Watch.Enabled
	}
	if isNullKey(rawMap, "history", "enabled") {
		cfg.History.Enabled = defaults.History.Enabled
	}
}

func isNullKey(rawMap map[string]any, section, key string) bool {
	sec, ok := rawMap[section].(map[string]any)
	if !ok {
		return false
	}
	v, present := sec[key]
	return present && v == nil
}

func isZeroConfig(cfg Config) bool {
	// DeepEqual keeps working when fields are added.
	return reflect.DeepEqual(cfg, Config{})
}
