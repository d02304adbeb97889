// Package config loads fieldsync settings from CUE.
//
// A config file is unified with the embedded #Config schema, which supplies
// defaults and constraints, then decoded into Config. Loading with no file
// yields the defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaCUE string

// Error codes for LoadError.
const (
	ErrCodeNotFound   = "C001" // Config path not found
	ErrCodeLoadFailed = "C002" // CUE load or parse failed
	ErrCodeInvalid    = "C003" // Value violates the schema
	ErrCodeDecode     = "C004" // Value could not be decoded
	ErrCodeDuration   = "C005" // Duration string did not parse
)

// LoadError represents an error that occurred while loading configuration.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config is the resolved configuration.
type Config struct {
	DB            string
	Remote        Remote
	Backoff       Backoff
	Connectivity  Connectivity
	RetryInterval time.Duration
	Inbox         string
	Log           Log
}

// Remote configures the reference remote store.
type Remote struct {
	DB            string
	BlobDir       string
	CreateMissing bool
}

// Backoff configures retry spacing.
type Backoff struct {
	Base       time.Duration
	Ceiling    time.Duration
	MaxRetries int
}

// Connectivity configures the monitor.
type Connectivity struct {
	Probe    string // "none", "tcp" or "http"
	Target   string // host:port or URL
	Interval time.Duration
	Debounce time.Duration
	Timeout  time.Duration
	Initial  bool
}

// Log configures logging and rotation.
type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// raw mirrors the CUE shape; durations stay strings until resolve.
type raw struct {
	DB     string `json:"db"`
	Remote struct {
		DB            string `json:"db"`
		BlobDir       string `json:"blob_dir"`
		CreateMissing bool   `json:"create_missing"`
	} `json:"remote"`
	Backoff struct {
		Base       string `json:"base"`
		Ceiling    string `json:"ceiling"`
		MaxRetries int    `json:"max_retries"`
	} `json:"backoff"`
	Connectivity struct {
		Probe    string `json:"probe"`
		Target   string `json:"target"`
		Interval string `json:"interval"`
		Debounce string `json:"debounce"`
		Timeout  string `json:"timeout"`
		Initial  bool   `json:"initial"`
	} `json:"connectivity"`
	RetryInterval string `json:"retry_interval"`
	Inbox         string `json:"inbox"`
	Log           struct {
		Level      string `json:"level"`
		File       string `json:"file"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
		Compress   bool   `json:"compress"`
	} `json:"log"`
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		// The embedded schema is static; failing here is a build defect.
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads a CUE file, or every CUE file in a directory, and resolves it
// against the schema. An empty path yields the defaults.
func Load(path string) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("schema: %v", err)}
	}
	value := schema.LookupPath(cue.ParsePath("#Config"))

	if path != "" {
		user, err := loadUser(ctx, path)
		if err != nil {
			return Config{}, err
		}
		value = value.Unify(user)
	}

	if err := value.Validate(); err != nil {
		return Config{}, newCUEError(ErrCodeInvalid, err)
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return Config{}, newCUEError(ErrCodeDecode, err)
	}
	return resolve(r)
}

func loadUser(ctx *cue.Context, path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}
	}

	if info.IsDir() {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
		}
		if err := instances[0].Err; err != nil {
			return cue.Value{}, newCUEError(ErrCodeLoadFailed, err)
		}
		v := ctx.BuildInstance(instances[0])
		if err := v.Err(); err != nil {
			return cue.Value{}, newCUEError(ErrCodeLoadFailed, err)
		}
		return v, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return cue.Value{}, newCUEError(ErrCodeLoadFailed, err)
	}
	return v, nil
}

func newCUEError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: cueerrors.Details(err, nil)}
	if positions := cueerrors.Positions(err); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

func resolve(r raw) (Config, error) {
	cfg := Config{
		DB: r.DB,
		Remote: Remote{
			DB:            r.Remote.DB,
			BlobDir:       r.Remote.BlobDir,
			CreateMissing: r.Remote.CreateMissing,
		},
		Backoff: Backoff{MaxRetries: r.Backoff.MaxRetries},
		Connectivity: Connectivity{
			Probe:   r.Connectivity.Probe,
			Target:  r.Connectivity.Target,
			Initial: r.Connectivity.Initial,
		},
		Inbox: r.Inbox,
		Log: Log{
			Level:      r.Log.Level,
			File:       r.Log.File,
			MaxSizeMB:  r.Log.MaxSizeMB,
			MaxBackups: r.Log.MaxBackups,
			MaxAgeDays: r.Log.MaxAgeDays,
			Compress:   r.Log.Compress,
		},
	}

	durations := []struct {
		field string
		in    string
		out   *time.Duration
	}{
		{"backoff.base", r.Backoff.Base, &cfg.Backoff.Base},
		{"backoff.ceiling", r.Backoff.Ceiling, &cfg.Backoff.Ceiling},
		{"connectivity.interval", r.Connectivity.Interval, &cfg.Connectivity.Interval},
		{"connectivity.debounce", r.Connectivity.Debounce, &cfg.Connectivity.Debounce},
		{"connectivity.timeout", r.Connectivity.Timeout, &cfg.Connectivity.Timeout},
		{"retry_interval", r.RetryInterval, &cfg.RetryInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Config{}, &LoadError{Code: ErrCodeDuration, Message: fmt.Sprintf("%s: %v", d.field, err)}
		}
		*d.out = v
	}

	if cfg.Connectivity.Probe != "none" && cfg.Connectivity.Target == "" {
		return Config{}, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("connectivity.target is required for probe %q", cfg.Connectivity.Probe)}
	}
	if cfg.Backoff.Ceiling < cfg.Backoff.Base {
		return Config{}, &LoadError{Code: ErrCodeInvalid, Message: "backoff.ceiling must not be below backoff.base"}
	}
	return cfg, nil
}
