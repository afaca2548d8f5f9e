package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "spgate"}
	cmd.Flags().StringP("config", "c", "", "")
	cmd.Flags().StringP("listen", "l", ":3000", "")
	cmd.Flags().String("log-level", "info", "")
	return cmd
}

func validViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.Set("graph.tenant_id", "tenant")
	v.Set("graph.client_id", "client")
	v.Set("graph.client_secret", "secret")
	v.Set("auth.username", "reader")
	v.Set("auth.password", "pass")
	v.Set("buckets", map[string]any{
		"reports": map[string]any{"site_id": "contoso.sharepoint.com,1,2"},
	})
	return v
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":3000", v.GetString("listen"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.False(t, v.GetBool("enable_tls"))
	assert.True(t, v.GetBool("auth.enable_auth"))
}

func TestSetDefaults_Graph(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "https://login.microsoftonline.com", v.GetString("graph.authority_url"))
	assert.Equal(t, "https://graph.microsoft.com/v1.0", v.GetString("graph.base_url"))
	assert.Equal(t, "https://graph.microsoft.com/.default", v.GetString("graph.scope"))
	assert.Equal(t, 30*time.Second, v.GetDuration("graph.request_timeout"))
	assert.Equal(t, 4, v.GetInt("graph.max_attempts"))
	assert.Equal(t, 3, v.GetInt("graph.token_attempts"))
	assert.Equal(t, 5*time.Minute, v.GetDuration("graph.token_margin"))
}

func TestSetDefaults_ListingAndMetrics(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 1000, v.GetInt("listing.default_max_keys"))
	assert.Equal(t, 1000, v.GetInt("listing.max_keys_ceiling"))
	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, "/metrics", v.GetString("metrics.path"))
}

func TestUnmarshal_Valid(t *testing.T) {
	cfg, err := unmarshal(validViper())
	require.NoError(t, err)

	require.Contains(t, cfg.Buckets, "reports")
	assert.Equal(t, "contoso.sharepoint.com,1,2", cfg.Buckets["reports"].SiteID)
	assert.Equal(t, "tenant", cfg.Graph.TenantID)
	assert.Equal(t, 500*time.Millisecond, cfg.Graph.BaseBackoff)
}

func TestUnmarshal_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(v *viper.Viper)
		wantErr string
	}{
		{
			name:    "missing client secret",
			mutate:  func(v *viper.Viper) { v.Set("graph.client_secret", "") },
			wantErr: "graph.client_secret",
		},
		{
			name:    "no buckets",
			mutate:  func(v *viper.Viper) { v.Set("buckets", map[string]any{}) },
			wantErr: "at least one bucket",
		},
		{
			name: "bucket without drive",
			mutate: func(v *viper.Viper) {
				v.Set("buckets", map[string]any{"docs": map[string]any{}})
			},
			wantErr: "site_id or drive_id",
		},
		{
			name: "invalid bucket name",
			mutate: func(v *viper.Viper) {
				v.Set("buckets", map[string]any{"a": map[string]any{"drive_id": "b!1"}})
			},
			wantErr: "between 3 and 63",
		},
		{
			name:    "tls without files",
			mutate:  func(v *viper.Viper) { v.Set("enable_tls", true) },
			wantErr: "TLS enabled",
		},
		{
			name:    "auth without password",
			mutate:  func(v *viper.Viper) { v.Set("auth.password", "") },
			wantErr: "auth.password",
		},
		{
			name:    "malformed bcrypt hash",
			mutate:  func(v *viper.Viper) { v.Set("auth.password", "$2a$xx") },
			wantErr: "bcrypt",
		},
		{
			name:    "negative lockout attempts",
			mutate:  func(v *viper.Viper) { v.Set("auth.max_failed_attempts", -1) },
			wantErr: "auth.max_failed_attempts",
		},
		{
			name:    "lockout without window",
			mutate:  func(v *viper.Viper) { v.Set("auth.lockout_window", "0s") },
			wantErr: "auth.lockout_window",
		},
		{
			name:    "unknown log format",
			mutate:  func(v *viper.Viper) { v.Set("logging.format", "xml") },
			wantErr: "logging.format",
		},
		{
			name:    "syslog without address",
			mutate:  func(v *viper.Viper) { v.Set("logging.syslog.enable", true) },
			wantErr: "logging.syslog.address",
		},
		{
			name:    "http output without url",
			mutate:  func(v *viper.Viper) { v.Set("logging.http.enable", true) },
			wantErr: "logging.http.url",
		},
		{
			name:    "zero attempts",
			mutate:  func(v *viper.Viper) { v.Set("graph.max_attempts", 0) },
			wantErr: "graph.max_attempts",
		},
		{
			name:    "page size too large",
			mutate:  func(v *viper.Viper) { v.Set("graph.page_size", 5000) },
			wantErr: "graph.page_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validViper()
			tt.mutate(v)

			_, err := unmarshal(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUnmarshal_ClampsDefaultMaxKeys(t *testing.T) {
	v := validViper()
	v.Set("listing.default_max_keys", 5000)
	v.Set("listing.max_keys_ceiling", 500)

	cfg, err := unmarshal(v)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Listing.DefaultMaxKeys)
}

func TestUnmarshal_BcryptPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	require.NoError(t, err)

	v := validViper()
	v.Set("auth.password", string(hash))

	cfg, err := unmarshal(v)
	require.NoError(t, err)
	assert.True(t, IsBcryptHash(cfg.Auth.Password))
}

func TestLoad_FileFlagsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spgate.yaml")
	content := `
log_level: debug
graph:
  tenant_id: contoso
  client_id: app
  request_timeout: 10s
auth:
  username: reader
  password: pass
buckets:
  reports:
    site_id: site-1
    include:
      - "**/*.pdf"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("SPGATE_GRAPH_CLIENT_SECRET", "from-env")

	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("config", path))
	require.NoError(t, cmd.Flags().Set("listen", ":9999"))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.Graph.ClientSecret)
	assert.Equal(t, 10*time.Second, cfg.Graph.RequestTimeout)
	assert.Equal(t, []string{"**/*.pdf"}, cfg.Buckets["reports"].Include)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")))

	_, err := Load(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateBucketName(t *testing.T) {
	valid := []string{"reports", "team-docs", "a.b.c", "abc"}
	for _, name := range valid {
		assert.NoError(t, ValidateBucketName(name), name)
	}

	invalid := []string{"ab", "Reports", "-docs", "docs-", "a--b", "a..b", "192.168.1.1"}
	for _, name := range invalid {
		assert.Error(t, ValidateBucketName(name), name)
	}
}
