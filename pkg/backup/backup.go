// Package backup orchestrates one full run: database dumps, the file
// archive, verification, ownership, remote transfer, retention cleanup and
// outcome notification. It also hosts the daemon loop that triggers runs on
// the configured schedule.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/securevault/securevault/pkg/config"
	"github.com/securevault/securevault/pkg/dbdump"
	"github.com/securevault/securevault/pkg/filebackup"
	"github.com/securevault/securevault/pkg/joblog"
	"github.com/securevault/securevault/pkg/lockfile"
	"github.com/securevault/securevault/pkg/notify"
	"github.com/securevault/securevault/pkg/owner"
	"github.com/securevault/securevault/pkg/plog"
	"github.com/securevault/securevault/pkg/preflight"
	"github.com/securevault/securevault/pkg/retention"
	"github.com/securevault/securevault/pkg/scheduler"
	"github.com/securevault/securevault/pkg/transfer"
)

// timestampLayout names artifacts; it sorts lexicographically by creation
// time within a folder.
const timestampLayout = "20060102-150405"

// Backup wires the pipeline stages together for one configuration.
type Backup struct {
	cfg      config.Config
	notifier notify.Notifier
	log      *joblog.JobLog
	errLog   *joblog.JobLog
	progress filebackup.ProgressFunc
}

// New opens the run logs and assembles the notifier stack.
func New(cfg config.Config) (*Backup, error) {
	log, err := joblog.Open(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	errLog, err := joblog.Open(cfg.ErrorLogFile)
	if err != nil {
		log.Close()
		return nil, err
	}
	return &Backup{
		cfg:      cfg,
		notifier: notify.FromConfig(cfg),
		log:      log,
		errLog:   errLog,
	}, nil
}

// SetProgress installs a per-file progress callback for interactive runs.
func (b *Backup) SetProgress(fn filebackup.ProgressFunc) {
	b.progress = fn
}

// Close releases the run logs.
func (b *Backup) Close() error {
	err := b.log.Close()
	if err2 := b.errLog.Close(); err == nil {
		err = err2
	}
	return err
}

// datePart returns the artifact name fragment for a run type: day of month
// for daily runs, month number for monthly, four-digit year for yearly.
func datePart(runType string, now time.Time) (string, error) {
	switch runType {
	case "daily":
		return now.Format("02"), nil
	case "monthly":
		return now.Format("01"), nil
	case "yearly":
		return now.Format("2006"), nil
	default:
		return "", fmt.Errorf("invalid backup type %q: use daily, monthly, or yearly", runType)
	}
}

// RunTypeFromSchedule maps a schedule cadence to the run type the daemon
// executes. Weekly schedules produce daily-style artifacts.
func RunTypeFromSchedule(scheduleType string) string {
	switch scheduleType {
	case "monthly":
		return "monthly"
	default:
		return "daily"
	}
}

// archiveExt is the artifact suffix for the configured compression codec.
func (b *Backup) archiveExt() string {
	if b.cfg.Compression == "zstd" {
		return ".tar.zst"
	}
	return ".tar.gz"
}

// failStep records a stage failure in the error log, the console and the
// notification channels.
func (b *Backup) failStep(ctx context.Context, msg string) {
	plog.Error(msg)
	if err := b.errLog.AppendError("%s", msg); err != nil {
		plog.Warn("Failed to append to error log", "error", err)
	}
	if err := b.notifier.Notify(ctx, msg); err != nil {
		plog.Warn("Failed to send notification", "error", err)
	}
}

// Execute runs one backup of the given type. Database dump failures are
// reported and the run continues; file backup, verification and ownership
// failures abort the run; transfer and retention failures are reported but
// leave the run successful. A context cancellation surfaces as
// filebackup.ErrInterrupted without a failure notification.
func (b *Backup) Execute(ctx context.Context, runType string, fullBackup bool) error {
	now := time.Now()
	date, err := datePart(runType, now)
	if err != nil {
		b.errLog.AppendError("%v", err)
		return err
	}
	ts := now.Format(timestampLayout)

	lock, err := lockfile.Acquire(b.cfg.BackupBase)
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			plog.Warn("Skipping run", "reason", active.Error())
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			plog.Warn("Failed to release run lock", "error", err)
		}
	}()

	if err := preflight.Check(b.cfg.BackupBase, preflight.DefaultMinFreeBytes); err != nil {
		b.failStep(ctx, fmt.Sprintf("Preflight check failed: %v", err))
		return err
	}

	b.log.Append("Starting %s backup (full=%t)", runType, fullBackup)

	// Stage 1: database dumps. A failed dump is worth knowing about but
	// never blocks the file backup.
	dbArtifacts := b.dumpDatabases(ctx, ts)

	// Stage 2: the file archive. Fatal on failure.
	sysArtifact := filepath.Join(b.cfg.SysBackupFolder,
		fmt.Sprintf("sys-%s-%s-%s%s", runType, date, ts, b.archiveExt()))

	codec, err := filebackup.CodecFromString(b.cfg.Compression)
	if err != nil {
		b.failStep(ctx, err.Error())
		return err
	}
	opts := []filebackup.Option{
		filebackup.WithCodec(codec),
		filebackup.WithJobLog(b.log),
		filebackup.WithMetrics(&filebackup.BackupMetrics{}),
	}
	if b.progress != nil {
		opts = append(opts, filebackup.WithProgress(b.progress))
	}
	tb := filebackup.New(b.cfg.ExcludeExtensions, b.cfg.WatermarkFile, opts...)
	if err := tb.Execute(ctx, b.cfg.BackupDirs, sysArtifact, fullBackup); err != nil {
		if errors.Is(err, filebackup.ErrInterrupted) {
			b.log.Append("Backup interrupted, run abandoned")
			return err
		}
		b.failStep(ctx, fmt.Sprintf("File backup failed: %v", err))
		return err
	}

	// An incremental run with nothing new produces no archive at all.
	artifacts := dbArtifacts
	if _, err := os.Stat(sysArtifact); err == nil {
		artifacts = append([]string{sysArtifact}, dbArtifacts...)

		// Stage 3: verification. Fatal on failure.
		if err := filebackup.Verify(sysArtifact); err != nil {
			b.failStep(ctx, fmt.Sprintf("Backup verification failed: %v", err))
			return err
		}
		b.log.Append("Verified archive: %s", sysArtifact)
	} else {
		sysArtifact = ""
		b.log.Append("No file archive produced, skipping verification")
	}

	// Stage 4: ownership. Fatal on failure.
	if err := owner.ChownArtifacts(b.cfg.Owner, artifacts...); err != nil {
		b.failStep(ctx, fmt.Sprintf("Failed to change ownership: %v", err))
		return err
	}

	// Stage 5: remote transfer. Reported, never fatal.
	if b.cfg.SFTP.Enabled() {
		uploader := transfer.New(b.cfg.SFTP)
		for _, artifact := range artifacts {
			if err := uploader.Upload(ctx, artifact); err != nil {
				b.failStep(ctx, fmt.Sprintf("File transfer failed: %v", err))
			} else {
				b.log.Append("Transferred %s to %s", artifact, b.cfg.SFTP.Host)
			}
		}
	}

	// Stage 6: retention cleanup. Reported, never fatal.
	removed := retention.Prune([]string{b.cfg.SysBackupFolder, b.cfg.DBBackupFolder}, b.cfg.RetentionDays)
	if removed > 0 {
		b.log.Append("Removed %d old backup artifact(s)", removed)
	}

	successMsg := fmt.Sprintf("Backup completed: %s and %s",
		orNone(sysArtifact, "no file archive"), orNoneList(dbArtifacts, "no database backup"))
	b.log.Append("%s", successMsg)
	plog.Info("Run finished", "type", runType, "full", fullBackup)
	if err := b.notifier.Notify(ctx, successMsg); err != nil {
		plog.Warn("Failed to send notification", "error", err)
	}
	return nil
}

// dumpDatabases runs every configured dump and returns the artifacts that
// were actually produced.
func (b *Backup) dumpDatabases(ctx context.Context, ts string) []string {
	var artifacts []string
	for _, dbCfg := range b.cfg.Databases {
		name := "all_databases_" + ts + ".sql.gz"
		if len(b.cfg.Databases) > 1 {
			name = "all_databases_" + dbCfg.Type + "_" + ts + ".sql.gz"
		}
		target := filepath.Join(b.cfg.DBBackupFolder, name)

		dumper, err := dbdump.New(dbCfg)
		if err != nil {
			b.failStep(ctx, fmt.Sprintf("Database backup failed: %v", err))
			continue
		}
		if err := dumper.Dump(ctx, target); err != nil {
			b.failStep(ctx, fmt.Sprintf("Database backup failed: %v", err))
			continue
		}
		b.log.Append("Database dump written: %s", target)
		artifacts = append(artifacts, target)
	}
	return artifacts
}

// RunDaemon sleeps until each schedule boundary and executes a run, until
// ctx is cancelled. Run failures are reported and the loop continues.
func (b *Backup) RunDaemon(ctx context.Context, runType string, fullBackup bool) error {
	sched, err := scheduler.New(b.cfg.Schedule)
	if err != nil {
		return err
	}

	plog.Info("Daemon mode started", "logFile", b.cfg.LogFile)
	b.log.Append("Daemon started")

	for {
		next := sched.Next(time.Now())
		plog.Info("Next backup scheduled", "at", next.Format("2006-01-02 15:04:05"))
		b.log.Append("Next backup scheduled at %s", next.Format("2006-01-02 15:04:05"))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			b.log.Append("Daemon shutting down gracefully")
			plog.Info("Daemon shutting down gracefully")
			return nil
		case <-timer.C:
		}

		if err := b.Execute(ctx, runType, fullBackup); err != nil {
			if errors.Is(err, filebackup.ErrInterrupted) || ctx.Err() != nil {
				b.log.Append("Daemon shutting down gracefully")
				plog.Info("Daemon shutting down gracefully")
				return nil
			}
			plog.Error("Backup failed", "error", err)
			b.errLog.AppendError("Backup failed: %v", err)
		}
	}
}

func orNone(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func orNoneList(list []string, fallback string) string {
	if len(list) == 0 {
		return fallback
	}
	out := list[0]
	for _, s := range list[1:] {
		out += ", " + s
	}
	return out
}
