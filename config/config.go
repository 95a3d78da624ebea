// Package config contains code to set the default values and read
// config files to be used throughout the whole application
package config

import (
	"bitwise74/asset-api/pkg/validators"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
)

var (
	configPath = pflag.String("config", "", "Path to a config file, config.toml in the working directory is used if present")
	reconcile  = pflag.Bool("reconcile", false, "Run one reconciliation sweep and exit")

	validLogLevels = []string{"debug", "info", "warn", "error", "fatal"}
	validDrivers   = []string{"sqlite", "postgres"}
)

const defaultQuota = 10 << 30

func genSecret() string {
	b := make([]byte, 64)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ReconcileOnly reports whether --reconcile was passed
func ReconcileOnly() bool {
	return *reconcile
}

// Setup parses the command line and loads the configuration. Function will
// return an error if something is critically wrong and the application
// can't run because of that.
func Setup() error {
	pflag.Parse()

	if err := Load(*configPath); err != nil {
		return err
	}

	if v.GetString("jwt.secret") == "" {
		fmt.Println("WARNING: You haven't set a JWT secret. It has to match the one your identity provider signs tokens with. A random one for a fresh setup:\n\n" + genSecret() + "\n\nSet it as JWT_SECRET or jwt.secret in config.toml.")
		os.Exit(0)
	}

	return nil
}

// Load sets defaults, binds the environment, reads the config file and
// validates the result. An empty path looks for config.toml in the working
// directory and carries on without it.
func Load(path string) error {
	v.Reset()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	//
	// ENVS
	//
	for _, key := range []string{
		"app.log_level",

		"host.port",
		"host.cors",

		"db.driver",
		"db.dsn",

		"jwt.secret",
		"jwt.cookie",

		"admin.user_ids",

		"storage.root",
		"storage.staging_dir",
		"storage.default_quota",

		"upload.max_size",
		"upload.max_files",
		"upload.allowed_types",
		"upload.concurrency",

		"ffmpeg.path",
		"ffmpeg.ffprobe_path",
		"ffmpeg.workers",
		"ffmpeg.max_jobs",
		"ffmpeg.timeout",
		"ffmpeg.hwaccel",

		"mirror.enabled",

		"aws.region",
		"aws.bucket",
		"aws.access_key",
		"aws.secret_access_key",
		"aws.endpoint",

		"reconcile.interval",
		"reconcile.grace_period",
		"reconcile.remove_orphans",

		"security.rate_limit",
	} {
		v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	//
	// Defaults
	//
	v.SetDefault("app.log_level", "info")

	v.SetDefault("host.port", 8080)
	v.SetDefault("host.cors", []string{"http://localhost:5173"})

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "assets.db")

	v.SetDefault("jwt.cookie", "auth_token")

	v.SetDefault("admin.user_ids", []string{})

	v.SetDefault("storage.root", "storage")
	v.SetDefault("storage.default_quota", int64(defaultQuota))

	v.SetDefault("upload.max_size", 2048)
	v.SetDefault("upload.max_files", validators.DefaultMaxFiles)
	v.SetDefault("upload.allowed_types", validators.DefaultAllowedTypes)
	v.SetDefault("upload.concurrency", 4)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.ffprobe_path", "ffprobe")
	v.SetDefault("ffmpeg.workers", 2)
	v.SetDefault("ffmpeg.max_jobs", 32)
	v.SetDefault("ffmpeg.timeout", "1m")
	v.SetDefault("ffmpeg.hwaccel", "")

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("aws.region", "auto")

	v.SetDefault("reconcile.interval", "6h")
	v.SetDefault("reconcile.grace_period", "1h")
	v.SetDefault("reconcile.remove_orphans", false)

	v.SetDefault("security.rate_limit", 20)

	if err := v.ReadInConfig(); err != nil {
		var notFound v.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file, %w", err)
		}
	}

	// Lists coming from the environment are comma separated
	for _, key := range []string{"host.cors", "admin.user_ids", "upload.allowed_types"} {
		v.Set(key, splitList(v.GetStringSlice(key)))
	}

	if err := validate(); err != nil {
		return err
	}

	if v.GetString("storage.staging_dir") == "" {
		v.Set("storage.staging_dir", filepath.Join(v.GetString("storage.root"), ".staging"))
	}

	v.Set("upload.max_size", v.GetInt64("upload.max_size")<<20)
	return nil
}

func validate() error {
	if !slices.Contains(validLogLevels, v.GetString("app.log_level")) {
		return errors.New("invalid log level provided")
	}

	if v.GetInt("host.port") <= 0 || v.GetInt("host.port") > 65535 {
		return errors.New("invalid port provided")
	}

	if !slices.Contains(validDrivers, v.GetString("db.driver")) {
		return fmt.Errorf("db.driver must be one of %s", strings.Join(validDrivers, ", "))
	}

	if v.GetString("db.dsn") == "" {
		return errors.New("db.dsn can't be empty")
	}

	if v.GetString("storage.root") == "" {
		return errors.New("storage.root can't be empty")
	}

	if v.GetInt64("storage.default_quota") <= 0 {
		return errors.New("storage.default_quota must be bigger than 0")
	}

	if v.GetInt64("upload.max_size") <= 0 {
		return errors.New("upload.max_size must be bigger than 0")
	}

	if v.GetInt("upload.max_files") <= 0 {
		return errors.New("upload.max_files must be bigger than 0")
	}

	if len(v.GetStringSlice("upload.allowed_types")) == 0 {
		return errors.New("upload.allowed_types can't be empty")
	}

	if v.GetInt("upload.concurrency") <= 0 {
		return errors.New("upload.concurrency must be bigger than 0")
	}

	if v.GetInt("ffmpeg.workers") <= 0 {
		return errors.New("ffmpeg.workers must be bigger than 0")
	}

	if v.GetInt("ffmpeg.max_jobs") < 0 {
		return errors.New("ffmpeg.max_jobs can't be negative")
	}

	if v.GetDuration("ffmpeg.timeout") <= 0 {
		return errors.New("ffmpeg.timeout must be a positive duration")
	}

	if v.GetDuration("reconcile.interval") < 0 {
		return errors.New("reconcile.interval can't be negative")
	}

	if v.GetDuration("reconcile.grace_period") < 0 {
		return errors.New("reconcile.grace_period can't be negative")
	}

	if v.GetBool("mirror.enabled") {
		if v.GetString("aws.bucket") == "" {
			return errors.New("aws.bucket can't be empty when the mirror is enabled")
		}
		if v.GetString("aws.access_key") == "" {
			return errors.New("aws.access_key can't be empty when the mirror is enabled")
		}
		if v.GetString("aws.secret_access_key") == "" {
			return errors.New("aws.secret_access_key can't be empty when the mirror is enabled")
		}
	}

	return nil
}

func splitList(in []string) []string {
	out := []string{}

	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}

	return out
}
