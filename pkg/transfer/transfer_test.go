package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/securevault/securevault/pkg/config"
	"github.com/securevault/securevault/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestAuthMethods(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		u := New(config.SFTPConfig{Host: "backup.example.com", User: "backup", Password: "secret"})
		auth, err := u.authMethods()
		if err != nil {
			t.Fatalf("authMethods() error = %v", err)
		}
		if len(auth) != 1 {
			t.Errorf("authMethods() returned %d methods, want 1", len(auth))
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		u := New(config.SFTPConfig{Host: "backup.example.com", User: "backup"})
		if _, err := u.authMethods(); err == nil {
			t.Error("authMethods() succeeded without password or key file")
		}
	})

	t.Run("missing key file", func(t *testing.T) {
		u := New(config.SFTPConfig{
			Host:    "backup.example.com",
			User:    "backup",
			KeyFile: filepath.Join(t.TempDir(), "no-such-key"),
		})
		if _, err := u.authMethods(); err == nil {
			t.Error("authMethods() succeeded with a missing key file")
		}
	})

	t.Run("garbage key file", func(t *testing.T) {
		keyFile := filepath.Join(t.TempDir(), "id_rsa")
		if err := os.WriteFile(keyFile, []byte("not a pem block"), 0600); err != nil {
			t.Fatal(err)
		}
		u := New(config.SFTPConfig{Host: "backup.example.com", User: "backup", KeyFile: keyFile})
		if _, err := u.authMethods(); err == nil {
			t.Error("authMethods() succeeded with an unparsable key file")
		}
	})
}

func TestUploadRespectsCancelledContext(t *testing.T) {
	u := New(config.SFTPConfig{Host: "203.0.113.1", User: "backup", Password: "secret"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := u.Upload(ctx, filepath.Join(t.TempDir(), "artifact.tar.gz")); err == nil {
		t.Error("Upload() succeeded with a cancelled context")
	}
}
