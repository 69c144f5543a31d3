// Package config loads the tally configuration file.
//
// Files are YAML or CUE and are checked against the embedded CUE schema,
// which also supplies defaults. Unknown keys are rejected.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// EnvJWTSecret overrides jwt_secret when set.
const EnvJWTSecret = "TALLY_JWT_SECRET"

// Config is the resolved configuration.
type Config struct {
	Strategy         string
	Database         string
	Listen           string
	DefaultScope     string
	ResubscribeDelay time.Duration
	WriteTimeout     time.Duration
	JWTSecret        string
	LogLevel         string
}

// fileConfig mirrors the schema's field names.
type fileConfig struct {
	Strategy         string `json:"strategy"`
	Database         string `json:"database"`
	Listen           string `json:"listen"`
	DefaultScope     string `json:"default_scope"`
	ResubscribeDelay string `json:"resubscribe_delay"`
	WriteTimeout     string `json:"write_timeout"`
	JWTSecret        string `json:"jwt_secret"`
	LogLevel         string `json:"log_level"`
}

// Error is a configuration error, positioned when CUE knows where.
type Error struct {
	Path    string
	Pos     token.Pos
	Message string
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

func newError(path string, err error) *Error {
	e := &Error{Path: path, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		e.Pos = errs[0].Position()
		e.Message = cueerrors.Details(err, nil)
	}
	return e
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path. An empty path yields defaults.
// The TALLY_JWT_SECRET environment variable takes precedence over the file.
func Load(path string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Path: path, Message: err.Error()}
		}
		file, err := parse(ctx, path, data)
		if err != nil {
			return nil, err
		}
		v = v.Unify(file)
	}

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, newError(path, err)
	}
	var raw fileConfig
	if err := v.Decode(&raw); err != nil {
		return nil, newError(path, err)
	}

	cfg, err := raw.resolve()
	if err != nil {
		return nil, &Error{Path: path, Message: err.Error()}
	}
	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		cfg.JWTSecret = secret
	}
	slog.Debug("config loaded", "path", path, "strategy", cfg.Strategy, "database", cfg.Database)
	return cfg, nil
}

func parse(ctx *cue.Context, path string, data []byte) (cue.Value, error) {
	switch filepath.Ext(path) {
	case ".cue":
		v := ctx.CompileBytes(data, cue.Filename(path))
		if err := v.Err(); err != nil {
			return cue.Value{}, newError(path, err)
		}
		return v, nil
	case ".yaml", ".yml", "":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return cue.Value{}, &Error{Path: path, Message: err.Error()}
		}
		if m == nil {
			m = map[string]any{}
		}
		v := ctx.Encode(m)
		if err := v.Err(); err != nil {
			return cue.Value{}, newError(path, err)
		}
		return v, nil
	}
	return cue.Value{}, &Error{Path: path, Message: "unsupported config format (want .yaml, .yml or .cue)"}
}

func (f fileConfig) resolve() (*Config, error) {
	resub, err := time.ParseDuration(f.ResubscribeDelay)
	if err != nil {
		return nil, fmt.Errorf("resubscribe_delay: %w", err)
	}
	timeout, err := time.ParseDuration(f.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("write_timeout: %w", err)
	}
	return &Config{
		Strategy:         f.Strategy,
		Database:         f.Database,
		Listen:           f.Listen,
		DefaultScope:     f.DefaultScope,
		ResubscribeDelay: resub,
		WriteTimeout:     timeout,
		JWTSecret:        f.JWTSecret,
		LogLevel:         f.LogLevel,
	}, nil
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
