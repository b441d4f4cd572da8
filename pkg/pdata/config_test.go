package pdata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if len(c.Addr) != 1 || c.Addr[0] != ":8080" {
		t.Errorf("Addr = %v, want [:8080]", c.Addr)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
	if !c.LogStdout {
		t.Error("LogStdout default should be true")
	}
	if c.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want 24h", c.TokenTTL)
	}
	if len(c.AllowedRoles) != 3 {
		t.Errorf("AllowedRoles = %v, want 3 entries", c.AllowedRoles)
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	es := []string{
		"PDATA_DB_ROOT=/srv/pdata",
		"PDATA_ADDR=:9090,:9091",
		"PDATA_CLOUDFLARE=true",
		"PDATA_TOKEN_TTL=1h30m",
		"PDATA_ALLOWED_ROLES=admin,user",
	}
	if err := c.UnmarshalEnv(es, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.DBRoot != "/srv/pdata" {
		t.Errorf("DBRoot = %q", c.DBRoot)
	}
	if len(c.Addr) != 2 || c.Addr[0] != ":9090" || c.Addr[1] != ":9091" {
		t.Errorf("Addr = %v", c.Addr)
	}
	if !c.Cloudflare {
		t.Error("Cloudflare should be true")
	}
	if c.TokenTTL != 90*time.Minute {
		t.Errorf("TokenTTL = %v, want 90m", c.TokenTTL)
	}
	if len(c.AllowedRoles) != 2 || c.AllowedRoles[0] != "admin" || c.AllowedRoles[1] != "user" {
		t.Errorf("AllowedRoles = %v", c.AllowedRoles)
	}
}

func TestUnmarshalEnvIncrementalSkipsMissing(t *testing.T) {
	c := Config{DBRoot: "/keep/me"}
	if err := c.UnmarshalEnv(nil, true); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.DBRoot != "/keep/me" {
		t.Errorf("DBRoot = %q, want unchanged", c.DBRoot)
	}
	if len(c.Addr) != 0 {
		t.Errorf("Addr = %v, want untouched (no default applied incrementally)", c.Addr)
	}
}

func TestUnmarshalEnvUnsettableQuestionMark(t *testing.T) {
	var c Config
	// PDATA_ADDR is "?=" so an explicit empty value should actually clear it,
	// not fall back to the default.
	if err := c.UnmarshalEnv([]string{"PDATA_ADDR="}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if len(c.Addr) != 0 {
		t.Errorf("Addr = %v, want empty when explicitly set to empty", c.Addr)
	}
}

func TestUnmarshalEnvUnknownVariableRejected(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"PDATA_DOES_NOT_EXIST=x"}, false)
	if err == nil {
		t.Fatal("expected an error for an unknown PDATA_ variable")
	}
}

func TestUnmarshalEnvIgnoresNonPDATAPrefix(t *testing.T) {
	var c Config
	// Variables without the PDATA_ prefix (besides NOTIFY_SOCKET) are
	// ignored entirely, not rejected as unknown.
	if err := c.UnmarshalEnv([]string{"PATH=/usr/bin", "HOME=/root"}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
}

func TestUnmarshalEnvNotifySocketPassthrough(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"NOTIFY_SOCKET=/run/notify.sock"}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.NotifySocket != "/run/notify.sock" {
		t.Errorf("NotifySocket = %q", c.NotifySocket)
	}
}

func TestUnmarshalEnvInvalidLogLevel(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_LOG_LEVEL=not-a-level"}, false); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestUnmarshalEnvInvalidDuration(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_TOKEN_TTL=not-a-duration"}, false); err == nil {
		t.Fatal("expected an error for an invalid duration")
	}
}

func TestUnmarshalEnvFileMode(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_LOG_FILE_CHMOD=644"}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.LogFileChmod != 0o644 {
		t.Errorf("LogFileChmod = %o, want 0644", c.LogFileChmod)
	}
}

func TestSdcredsLoadFromCredentialsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "token"), []byte("  s3cr3t\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CREDENTIALS_DIRECTORY", dir)

	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_TOKEN_SECRET=@token"}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.TokenSecret != "s3cr3t" {
		t.Errorf("TokenSecret = %q, want trimmed credential contents", c.TokenSecret)
	}
}

func TestSdcredsLoadMissingCredentialsDirectory(t *testing.T) {
	t.Setenv("CREDENTIALS_DIRECTORY", "")
	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_TOKEN_SECRET=@token"}, false); err == nil {
		t.Fatal("expected an error when CREDENTIALS_DIRECTORY is unset")
	}
}

func TestSdcredsPlainValuePassesThrough(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_TOKEN_SECRET=plain-secret"}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.TokenSecret != "plain-secret" {
		t.Errorf("TokenSecret = %q", c.TokenSecret)
	}
}

func TestSdcredsExpandListServerCerts(t *testing.T) {
	t.Setenv("CREDENTIALS_DIRECTORY", "/run/creds")
	var c Config
	if err := c.UnmarshalEnv([]string{"PDATA_SERVER_CERTS=@cert1,/etc/plain/cert2"}, false); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if len(c.ServerCerts) != 2 {
		t.Fatalf("ServerCerts = %v, want 2 entries", c.ServerCerts)
	}
	if c.ServerCerts[0] != filepath.Join("/run/creds", "cert1") {
		t.Errorf("ServerCerts[0] = %q", c.ServerCerts[0])
	}
	if c.ServerCerts[1] != "/etc/plain/cert2" {
		t.Errorf("ServerCerts[1] = %q", c.ServerCerts[1])
	}
}
