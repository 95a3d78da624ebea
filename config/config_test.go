package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	require.NoError(t, Load(""))

	assert.Equal(t, "info", viper.GetString("app.log_level"))
	assert.Equal(t, "sqlite", viper.GetString("db.driver"))
	assert.Equal(t, int64(2048<<20), viper.GetInt64("upload.max_size"))
	assert.Equal(t, int64(10<<30), viper.GetInt64("storage.default_quota"))
	assert.Equal(t, filepath.Join("storage", ".staging"), viper.GetString("storage.staging_dir"))
	assert.Equal(t, time.Minute, viper.GetDuration("ffmpeg.timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("reconcile.interval"))
	assert.Contains(t, viper.GetStringSlice("upload.allowed_types"), "video/mp4")
	assert.Empty(t, viper.GetStringSlice("admin.user_ids"))
}

func TestLoadEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "custom.toml")

	require.NoError(t, os.WriteFile(p, []byte(`
[app]
log_level = "debug"

[storage]
root = "/srv/assets"

[upload]
max_size = 10
`), 0o600))

	t.Setenv("ADMIN_USER_IDS", "alice, bob,,")
	t.Setenv("UPLOAD_ALLOWED_TYPES", "image/*,video/mp4")
	t.Setenv("HOST_PORT", "9090")

	require.NoError(t, Load(p))

	assert.Equal(t, "debug", viper.GetString("app.log_level"))
	assert.Equal(t, 9090, viper.GetInt("host.port"))
	assert.Equal(t, []string{"alice", "bob"}, viper.GetStringSlice("admin.user_ids"))
	assert.Equal(t, []string{"image/*", "video/mp4"}, viper.GetStringSlice("upload.allowed_types"))
	assert.Equal(t, int64(10<<20), viper.GetInt64("upload.max_size"))
	assert.Equal(t, "/srv/assets/.staging", viper.GetString("storage.staging_dir"))
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := map[string]string{
		"APP_LOG_LEVEL":         "loud",
		"DB_DRIVER":             "mysql",
		"HOST_PORT":             "0",
		"UPLOAD_MAX_SIZE":       "0",
		"FFMPEG_TIMEOUT":        "0s",
		"STORAGE_DEFAULT_QUOTA": "-1",
		"MIRROR_ENABLED":        "true",
	}

	for env, val := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			assert.Error(t, Load(""))
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.toml")))
}
