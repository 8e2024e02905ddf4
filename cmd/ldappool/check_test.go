package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/go-ldappool"
	"github.com/isometry/go-ldappool/internal/ldaptest"
)

// lockedBuffer collects logs written by session goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, env := range []string{URLEnvVar, BindDNEnvVar, BindPasswordEnvVar, LogLevelEnvVar} {
		t.Setenv(env, "")
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "off"))

	err := cmd.Execute()
	return out.String(), err
}

func TestCheckCommandStructure(t *testing.T) {
	cmd := newCheckCmd()

	assert.Equal(t, "check", cmd.Use)
	assert.NotEmpty(t, cmd.Long)
	assert.NotNil(t, cmd.RunE)

	for _, name := range []string{"config", "url", "sessions", "bind-dn", "bind-password", "starttls", "insecure"} {
		flag := cmd.Flags().Lookup(name)
		if assert.NotNil(t, flag, "missing flag %s", name) {
			assert.NotEmpty(t, flag.Usage)
		}
	}
}

func TestCheck_Anonymous(t *testing.T) {
	server := ldaptest.Start(t)

	out, err := execute(t, "check", "--url", server.URL(), "--sessions", "3")
	require.NoError(t, err, out)

	assert.Equal(t, 3, strings.Count(out, "identity anonymous, bound anonymous"))
	assert.Equal(t, 3, strings.Count(out, "recycled 1 times, identity anonymous"))
	assert.Contains(t, out, "pool: 3 created, 3 recycled, 0 recycle errors")
	assert.Equal(t, int64(3), server.Accepted())
}

func TestCheck_BindIsDiscarded(t *testing.T) {
	server := ldaptest.Start(t)

	out, err := execute(t, "check",
		"--url", server.URL(),
		"--sessions", "2",
		"--bind-dn", ldaptest.AdminDN,
		"--bind-password", ldaptest.AdminPassword,
	)
	require.NoError(t, err, out)

	assert.Equal(t, 2, strings.Count(out, "bound dn:"+ldaptest.AdminDN))
	assert.Equal(t, 2, strings.Count(out, "identity anonymous\n"))
	assert.NotContains(t, out, ldaptest.AdminPassword)
}

func TestCheck_EnvironmentFallback(t *testing.T) {
	server := ldaptest.Start(t)
	for _, env := range []string{URLEnvVar, BindDNEnvVar, BindPasswordEnvVar, LogLevelEnvVar} {
		t.Setenv(env, "")
	}
	t.Setenv(URLEnvVar, server.URL())
	t.Setenv(BindDNEnvVar, ldaptest.AdminDN)
	t.Setenv(BindPasswordEnvVar, ldaptest.AdminPassword)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check", "--sessions", "1", "--log-level", "off"})

	require.NoError(t, cmd.Execute(), out.String())
	assert.Contains(t, out.String(), "bound dn:"+ldaptest.AdminDN)
}

func TestCheck_ConfigFile(t *testing.T) {
	server := ldaptest.Start(t)
	path := filepath.Join(t.TempDir(), "ldappool.yaml")
	config := "url: " + server.URL() + "\npool:\n  max_size: 1\n  health_check: 0s\n"
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))

	out, err := execute(t, "check", "--config", path, "--sessions", "2")
	require.NoError(t, err, out)
	assert.Equal(t, 2, strings.Count(out, "recycled 1 times"))
}

func TestCheck_ResolvedConfigIsRedacted(t *testing.T) {
	server := ldaptest.Start(t)
	for _, env := range []string{URLEnvVar, BindDNEnvVar, BindPasswordEnvVar, LogLevelEnvVar} {
		t.Setenv(env, "")
	}

	var logs lockedBuffer
	ctx := ldappool.NewLoggingContext(tflogtest.RootLogger(context.Background(), &logs))

	cmd := newCheckCmd()
	cmd.SetContext(ctx)
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{
		"--url", server.URL(),
		"--sessions", "1",
		"--bind-dn", ldaptest.AdminDN,
		"--bind-password", ldaptest.AdminPassword,
	})
	require.NoError(t, cmd.Execute())

	output := logs.String()
	assert.NotContains(t, output, ldaptest.AdminPassword)

	entries, err := tflogtest.MultilineJSONDecode(strings.NewReader(output))
	require.NoError(t, err)

	var resolved map[string]any
	for _, entry := range entries {
		if entry["@message"] == "Resolved configuration" {
			resolved = entry
			break
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, "debug", resolved["@level"])
	assert.Equal(t, "[REDACTED]", resolved["bind_password"])
	assert.Equal(t, ldaptest.AdminDN, resolved["bind_dn"])
	assert.Equal(t, server.URL(), resolved["url"])
}

func TestCheck_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing url", args: []string{"check"}, wantErr: "url is required"},
		{name: "bad scheme", args: []string{"check", "--url", "http://127.0.0.1"}, wantErr: "unsupported scheme"},
		{name: "no sessions", args: []string{"check", "--url", "ldap://127.0.0.1", "--sessions", "0"}, wantErr: "--sessions must be positive"},
		{name: "too many sessions", args: []string{"check", "--url", "ldap://127.0.0.1", "--sessions", "1000"}, wantErr: "pool.max_size too high"},
		{name: "missing config", args: []string{"check", "--config", "/nonexistent/ldappool.yaml"}, wantErr: "failed to read config file"},
		{name: "unexpected argument", args: []string{"check", "extra"}, wantErr: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr, out)
		})
	}
}

func TestCheck_WrongPassword(t *testing.T) {
	server := ldaptest.Start(t)

	out, err := execute(t, "check",
		"--url", server.URL(),
		"--bind-dn", ldaptest.AdminDN,
		"--bind-password", "wrong",
	)
	require.Error(t, err, out)
	assert.Contains(t, err.Error(), "bind as "+ldaptest.AdminDN+" failed")
}

func TestRoot_InvalidLogLevel(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check", "--log-level", "loud"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid log level "loud"`)
}
