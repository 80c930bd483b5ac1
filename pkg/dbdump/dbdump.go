// Package dbdump produces compressed logical dumps of configured database
// servers by shelling out to the vendor's dump tool and streaming its stdout
// through gzip to disk.
package dbdump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/securevault/securevault/pkg/config"
	"github.com/securevault/securevault/pkg/plog"
	"github.com/securevault/securevault/pkg/util"
)

// Dumper writes one compressed all-databases dump to outputFile.
type Dumper interface {
	Dump(ctx context.Context, outputFile string) error
}

// New builds a Dumper for the given server configuration.
func New(cfg config.DatabaseConfig) (Dumper, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("database config for %q has no user", cfg.Type)
	}
	switch cfg.Type {
	case "mysql":
		return &mysqlDumper{cfg: cfg}, nil
	case "postgresql":
		return &postgresDumper{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

type mysqlDumper struct {
	cfg config.DatabaseConfig
}

func (d *mysqlDumper) Dump(ctx context.Context, outputFile string) error {
	args := []string{"--all-databases", "-u", d.cfg.User}
	if d.cfg.Host != "" {
		args = append(args, "-h", d.cfg.Host)
	}
	if d.cfg.Port != 0 {
		args = append(args, "-P", strconv.Itoa(d.cfg.Port))
	}

	cmd := exec.CommandContext(ctx, "mysqldump", args...)
	// The password travels via the environment, never the argument list.
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+d.cfg.Password)
	return runDump(cmd, outputFile)
}

type postgresDumper struct {
	cfg config.DatabaseConfig
}

func (d *postgresDumper) Dump(ctx context.Context, outputFile string) error {
	args := []string{"-U", d.cfg.User}
	if d.cfg.Host != "" {
		args = append(args, "-h", d.cfg.Host)
	}
	if d.cfg.Port != 0 {
		args = append(args, "-p", strconv.Itoa(d.cfg.Port))
	}

	cmd := exec.CommandContext(ctx, "pg_dumpall", args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+d.cfg.Password)
	return runDump(cmd, outputFile)
}

// runDump executes cmd with its stdout streamed through gzip into outputFile.
// On any failure the partial dump is removed so downstream steps never pick
// up a half-written artifact.
func runDump(cmd *exec.Cmd, outputFile string) (retErr error) {
	if err := os.MkdirAll(filepath.Dir(outputFile), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create dump directory for %s: %w", outputFile, err)
	}

	f, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("failed to create dump file %s: %w", outputFile, err)
	}
	gz := pgzip.NewWriter(f)

	defer func() {
		if err := gz.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("dump compressor close failed: %w", err)
		}
		if err := f.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("dump file close failed: %w", err)
		}
		if retErr != nil {
			if err := os.Remove(outputFile); err != nil {
				plog.Warn("Failed to remove partial dump", "path", outputFile, "error", err)
			}
		}
	}()

	var stderr bytes.Buffer
	cmd.Stdout = gz
	cmd.Stderr = &stderr

	plog.Info("Dumping databases", "command", cmd.Args[0], "output", outputFile)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s failed: %w: %s", cmd.Args[0], err, msg)
		}
		return fmt.Errorf("%s failed: %w", cmd.Args[0], err)
	}
	return nil
}
