/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.

// Source kinds select the persistence adapter.
const (
	SourceEmbedded = "embedded"
	SourceFile     = "file"
	SourceHTTP     = "http"
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
)

type GeneralConfig struct {
	AutoSave       bool `yaml:"autosave"`
	TelemetryOptIn bool `yaml:"telemetry_opt_in"`
	UndoDepth      int  `yaml:"undo_depth"`
}

type SourceConfig struct {
	Kind string `yaml:"kind"`
	// Dir is the workspace holding index.json, index_updated.json and backups/.
	Dir string `yaml:"dir"`
	// URL is fetched with GET and written with PUT by the http source.
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
	// PostgresDSN must not carry the password; it lives in the OS keychain.
	PostgresDSN string `yaml:"postgres_dsn"`
	// Document names the row used by database-backed sources.
	Document string `yaml:"document"`
	// Fallback loads the bundled demo document when the source has none.
	Fallback  bool `yaml:"fallback"`
	TimeoutMs int  `yaml:"timeout_ms"`
}

type AssetsConfig struct {
	ImagesDir       string `yaml:"images_dir"`
	ExtensionTable  string `yaml:"extension_table"`
	ScanOnStart     bool   `yaml:"scan_on_start"`
	Watch           bool   `yaml:"watch"`
	ThumbCacheBytes int64  `yaml:"thumb_cache_bytes"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	General       GeneralConfig `yaml:"general"`
	Source        SourceConfig  `yaml:"source"`
	Assets        AssetsConfig  `yaml:"assets"`
	Server        ServerConfig  `yaml:"server"`
	Logging       LoggingConfig `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		General:       GeneralConfig{AutoSave: false, TelemetryOptIn: false, UndoDepth: 100},
		Source: SourceConfig{
			Kind:       SourceFile,
			Dir:        ".",
			SQLitePath: filepath.Join(".tileboard", "documents.sqlite"),
			Document:   "index",
			Fallback:   true,
			TimeoutMs:  15000,
		},
		Assets: AssetsConfig{
			ImagesDir:       "images",
			ExtensionTable:  "extensions_map.json",
			ScanOnStart:     true,
			Watch:           true,
			ThumbCacheBytes: 64 * 1024 * 1024,
		},
		Server:  ServerConfig{Addr: "127.0.0.1:8080", RequestTimeoutMs: 30000, MaxUploadBytes: 32 << 20},
		Logging: LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvSourceKind     = "TB_SOURCE_KIND"
	EnvSourceDir      = "TB_SOURCE_DIR"
	EnvSourceURL      = "TB_SOURCE_URL"
	EnvSQLitePath     = "TB_SQLITE_PATH"
	EnvPostgresDSN    = "TB_PG_DSN"
	EnvFallback       = "TB_FALLBACK"
	EnvImagesDir      = "TB_IMAGES_DIR"
	EnvExtensionTable = "TB_EXT_TABLE"
	EnvAddr           = "TB_ADDR"
	EnvAutoSave       = "TB_AUTOSAVE"
	EnvTelemetryOptIn = "TB_TELEMETRY_OPT_IN"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "TB_LOG_LEVEL"
	EnvLogFormat = "TB_LOG_FORMAT"
	EnvLogSource = "TB_LOG_SOURCE"
	EnvLogFile   = "TB_LOG_FILE"
)

// Service/keys for OS keyring.
const (
	keyringService  = "tileboard"
	keyringPGSecret = "postgres_password"
)

// tokenStore abstracts keyring, so we can stub in tests.
var tokenStore TokenStore = &osKeyring{}

type TokenStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// osKeyring implements TokenStore using the OS keyring via github.com/zalando/go-keyring.
type osKeyring struct{}

func (k *osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (k *osKeyring) Set(service, key, value string) error    { return keyring.Set(service, key, value) }
func (k *osKeyring) Delete(service, key string) error {
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "tileboard")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "tileboard")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = filepath.Join(xdg, "tileboard")
		} else {
			base = filepath.Join(os.Getenv("HOME"), ".config", "tileboard")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, and merges environment overrides.
// The Postgres password is read from the keyring and returned separately.
func Load() (AppConfig, string, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Defaults()
		applyEnvOverrides(&cfg)
		return cfg, "", err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file path. A missing file is not an error.
func LoadFile(path string) (AppConfig, string, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Start from defaults so keys absent from the file keep their default values.
		fileCfg := Defaults()
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			applyEnvOverrides(&cfg)
			return cfg, "", fmt.Errorf("parse %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !os.IsNotExist(err):
		applyEnvOverrides(&cfg)
		return cfg, "", fmt.Errorf("read %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	secret, _ := tokenStore.Get(keyringService, keyringPGSecret)
	return cfg, secret, nil
}

// Save writes the user config YAML and persists the secret into OS keyring (if non-empty).
func Save(cfg AppConfig, secret string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg, secret)
}

// SaveFile is Save with an explicit config file path.
func SaveFile(path string, cfg AppConfig, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if secret != "" {
		if err := tokenStore.Set(keyringService, keyringPGSecret, secret); err != nil {
			return err
		}
	}
	return nil
}

// ForgetSecret removes the stored Postgres password.
func ForgetSecret() error { return tokenStore.Delete(keyringService, keyringPGSecret) }

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.General.AutoSave = src.General.AutoSave
	dst.General.TelemetryOptIn = src.General.TelemetryOptIn
	if src.General.UndoDepth != 0 {
		dst.General.UndoDepth = src.General.UndoDepth
	}
	// source
	if v := strings.ToLower(strings.TrimSpace(src.Source.Kind)); v != "" {
		dst.Source.Kind = v
	}
	if v := strings.TrimSpace(src.Source.Dir); v != "" {
		dst.Source.Dir = v
	}
	if v := strings.TrimSpace(src.Source.URL); v != "" {
		dst.Source.URL = v
	}
	if v := strings.TrimSpace(src.Source.SQLitePath); v != "" {
		dst.Source.SQLitePath = v
	}
	if v := strings.TrimSpace(src.Source.PostgresDSN); v != "" {
		dst.Source.PostgresDSN = v
	}
	if v := strings.TrimSpace(src.Source.Document); v != "" {
		dst.Source.Document = v
	}
	dst.Source.Fallback = src.Source.Fallback
	if src.Source.TimeoutMs != 0 {
		dst.Source.TimeoutMs = src.Source.TimeoutMs
	}
	// assets
	if v := strings.TrimSpace(src.Assets.ImagesDir); v != "" {
		dst.Assets.ImagesDir = v
	}
	if v := strings.TrimSpace(src.Assets.ExtensionTable); v != "" {
		dst.Assets.ExtensionTable = v
	}
	dst.Assets.ScanOnStart = src.Assets.ScanOnStart
	dst.Assets.Watch = src.Assets.Watch
	if src.Assets.ThumbCacheBytes != 0 {
		dst.Assets.ThumbCacheBytes = src.Assets.ThumbCacheBytes
	}
	// server
	if v := strings.TrimSpace(src.Server.Addr); v != "" {
		dst.Server.Addr = v
	}
	if src.Server.RequestTimeoutMs != 0 {
		dst.Server.RequestTimeoutMs = src.Server.RequestTimeoutMs
	}
	if src.Server.MaxUploadBytes != 0 {
		dst.Server.MaxUploadBytes = src.Server.MaxUploadBytes
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func parseBool(v string) bool {
	lv := strings.ToLower(strings.TrimSpace(v))
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvSourceKind)); v != "" {
		cfg.Source.Kind = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvSourceDir)); v != "" {
		cfg.Source.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSourceURL)); v != "" {
		cfg.Source.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSQLitePath)); v != "" {
		cfg.Source.SQLitePath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPostgresDSN)); v != "" {
		cfg.Source.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFallback)); v != "" {
		cfg.Source.Fallback = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvImagesDir)); v != "" {
		cfg.Assets.ImagesDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvExtensionTable)); v != "" {
		cfg.Assets.ExtensionTable = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAutoSave)); v != "" {
		cfg.General.AutoSave = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryOptIn)); v != "" {
		cfg.General.TelemetryOptIn = parseBool(v)
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	names := map[string]string{
		"source.kind":              EnvSourceKind,
		"source.dir":               EnvSourceDir,
		"source.url":               EnvSourceURL,
		"source.sqlite_path":       EnvSQLitePath,
		"source.postgres_dsn":      EnvPostgresDSN,
		"source.fallback":          EnvFallback,
		"assets.images_dir":        EnvImagesDir,
		"assets.extension_table":   EnvExtensionTable,
		"server.addr":              EnvAddr,
		"general.autosave":         EnvAutoSave,
		"general.telemetry_opt_in": EnvTelemetryOptIn,
		"logging.level":            EnvLogLevel,
		"logging.format":           EnvLogFormat,
		"logging.source":           EnvLogSource,
		"logging.file":             EnvLogFile,
	}
	env, ok := names[key]
	if !ok || os.Getenv(env) == "" {
		return "", false
	}
	return env, true
}

// Anchor makes relative workspace paths absolute against root. The source
// directory itself is replaced by root when root is non-empty.
func (c *AppConfig) Anchor(root string) {
	if strings.TrimSpace(root) != "" {
		c.Source.Dir = root
	}
	if abs, err := filepath.Abs(c.Source.Dir); err == nil {
		c.Source.Dir = abs
	}
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Source.Dir, p)
	}
	c.Assets.ImagesDir = rel(c.Assets.ImagesDir)
	c.Assets.ExtensionTable = rel(c.Assets.ExtensionTable)
	c.Source.SQLitePath = rel(c.Source.SQLitePath)
}

// EffectiveTimeout returns the source timeout, falling back to the default.
func (s SourceConfig) EffectiveTimeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return time.Duration(Defaults().Source.TimeoutMs) * time.Millisecond
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-request server timeout.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs <= 0 {
		return time.Duration(Defaults().Server.RequestTimeoutMs) * time.Millisecond
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// PostgresURL returns the DSN with password injected when it is a URL and
// carries no password of its own. Key/value DSNs get a password=... pair.
func (s SourceConfig) PostgresURL(password string) string {
	dsn := strings.TrimSpace(s.PostgresDSN)
	if dsn == "" || password == "" {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil || u.User == nil {
			return dsn
		}
		if _, has := u.User.Password(); has {
			return dsn
		}
		u.User = url.UserPassword(u.User.Username(), password)
		return u.String()
	}
	if strings.Contains(dsn, "password=") {
		return dsn
	}
	esc := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(password)
	return dsn + " password='" + esc + "'"
}
