// Package filebackup implements the incremental file-archiving engine: it
// walks the configured directory trees, filters by extension and by the
// last-backup watermark, and streams the selected files into a single
// compressed tar archive from one concurrent worker per source directory.
package filebackup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/securevault/securevault/pkg/joblog"
	"github.com/securevault/securevault/pkg/plog"
	"github.com/securevault/securevault/pkg/pool"
	"github.com/securevault/securevault/pkg/util"
)

// copyBufferSize is the chunk size for streaming file bodies into the sink.
// Cancellation is polled between chunks, so this also bounds how much data a
// worker writes after an interrupt.
const copyBufferSize = 8 * 1024

// Codec selects the compression applied to the tar stream.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
)

// CodecFromString maps a configuration value to a Codec.
func CodecFromString(s string) (Codec, error) {
	switch s {
	case "", "gzip":
		return CodecGzip, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return "", fmt.Errorf("unsupported compression codec: %s", s)
	}
}

// ErrInterrupted is returned by Execute when the run was stopped by a
// cancelled context. It is a distinct outcome, not an I/O failure: the
// archive was closed cleanly but is content-incomplete, and the watermark
// was left untouched so the next run retries the same incremental window.
var ErrInterrupted = errors.New("backup interrupted by signal")

// ProgressFunc receives a progress update after every archived file.
type ProgressFunc func(processed, total int64)

// ConsoleProgress renders progress in place on stdout.
func ConsoleProgress(processed, total int64) {
	pct := float64(processed) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	fmt.Printf("\rProgress: %.2f%% (%d/%d files)", pct, processed, total)
}

// Option configures a TarBackup.
type Option func(*TarBackup)

// WithCodec selects the compression codec (default gzip).
func WithCodec(c Codec) Option {
	return func(b *TarBackup) { b.codec = c }
}

// WithProgress installs a progress callback (default none).
func WithProgress(fn ProgressFunc) Option {
	return func(b *TarBackup) { b.progress = fn }
}

// WithJobLog routes the per-file audit lines into the given run log.
func WithJobLog(l *joblog.JobLog) Option {
	return func(b *TarBackup) { b.jobLog = l }
}

// WithMetrics installs a metrics collector (default noop).
func WithMetrics(m Metrics) Option {
	return func(b *TarBackup) { b.metrics = m }
}

// TarBackup archives directory trees into a single compressed tar file with
// incremental (watermark-based) file selection. A TarBackup value is
// stateless between runs apart from the watermark file and may be reused.
type TarBackup struct {
	exclude   exclusionSet
	watermark watermarkStore
	codec     Codec
	progress  ProgressFunc
	jobLog    *joblog.JobLog
	metrics   Metrics
	bufPool   *pool.FixedBufferPool
}

// New creates a TarBackup. Files whose extension exactly matches an entry of
// excludeExtensions are never archived; watermarkPath locates the one-line
// timestamp file that defines the incremental cutoff.
func New(excludeExtensions []string, watermarkPath string, opts ...Option) *TarBackup {
	b := &TarBackup{
		exclude:   newExclusionSet(excludeExtensions),
		watermark: watermarkStore{path: watermarkPath},
		codec:     CodecGzip,
		metrics:   &NoopMetrics{},
		bufPool:   pool.NewFixedBuffer(copyBufferSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// shouldInclude is the single inclusion predicate shared by the counting
// pass and every directory worker. The two passes must agree exactly or the
// progress total diverges from the actual output.
func (b *TarBackup) shouldInclude(ext string, modTime, cutoff time.Time, fullBackup bool) bool {
	if b.exclude.isExcluded(ext) {
		return false
	}
	return fullBackup || modTime.After(cutoff)
}

// logRun appends one line to the run log, if one is attached.
func (b *TarBackup) logRun(format string, args ...any) {
	if b.jobLog == nil {
		return
	}
	if err := b.jobLog.Append(format, args...); err != nil {
		plog.Warn("Failed to append to run log", "error", err)
	}
}

// CountFiles is pass 1: it computes how many files a subsequent archive pass
// would write, using metadata only. Missing directories and unreadable
// subtrees are skipped with a warning, never fatal.
func (b *TarBackup) CountFiles(sourceDirs []string, fullBackup bool) int {
	cutoff := time.Unix(0, 0)
	if !fullBackup {
		cutoff = b.watermark.Read()
	}

	total := 0
	for _, dir := range sourceDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			plog.Warn("Directory does not exist, skipping", "dir", dir)
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if errors.Is(walkErr, fs.ErrPermission) {
					plog.Warn("Permission denied, skipping", "path", path)
					return nil
				}
				return walkErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				plog.Warn("Cannot stat file, skipping", "path", path, "error", err)
				return nil
			}
			if b.shouldInclude(filepath.Ext(path), info.ModTime(), cutoff, fullBackup) {
				total++
			}
			return nil
		})
		if err != nil {
			plog.Warn("Failed to access directory, skipping", "dir", dir, "error", err)
		}
	}
	return total
}

// Execute runs one backup: count, archive, finalize. On success the
// watermark is advanced to now; on cancellation the sink is still closed (so
// the archive carries its end-of-archive marker) and ErrInterrupted is
// returned with the watermark untouched. When nothing qualifies, Execute
// succeeds without creating the output file at all.
func (b *TarBackup) Execute(ctx context.Context, sourceDirs []string, outputFile string, fullBackup bool) error {
	b.logRun("Starting backup to %s", outputFile)

	if err := os.MkdirAll(filepath.Dir(outputFile), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create output directory for %s: %w", outputFile, err)
	}

	plog.Info("Counting files", "dirs", len(sourceDirs))
	total := b.CountFiles(sourceDirs, fullBackup)
	if total == 0 {
		plog.Warn("No files to back up.")
		b.logRun("Warning: No files to back up.")
		return nil
	}
	plog.Info("Backing up files", "count", total, "output", outputFile)

	sink, err := openSink(outputFile, b.codec, b.bufPool)
	if err != nil {
		b.logRun("%v", err)
		return err
	}

	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, dir := range sourceDirs {
		dir := dir
		g.Go(func() error {
			return b.backupDirectory(gctx, dir, sink, &processed, int64(total), fullBackup)
		})
	}
	runErr := g.Wait()

	// The sink is closed exactly once on every path; an unclosed sink would
	// leave a truncated stream without the end-of-archive marker.
	closeErr := sink.close()

	if ctx.Err() != nil {
		plog.Warn("Backup interrupted by signal, closing archive.")
		b.logRun("Warning: Backup interrupted by signal, closing archive.")
		return ErrInterrupted
	}
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}

	if err := b.watermark.Write(time.Now()); err != nil {
		return err
	}

	b.metrics.Log()
	b.logRun("File backup completed: %s", outputFile)
	plog.Info("File backup completed", "output", outputFile, "files", processed.Load())
	return nil
}

// backupDirectory is pass 2 for one source directory. It re-applies the
// exact predicate of the counting pass and streams each qualifying file into
// the shared sink. Individual unreadable files are skipped; a traversal-level
// error stops only this directory. Cancellation stops the worker at the next
// file or chunk boundary.
func (b *TarBackup) backupDirectory(ctx context.Context, dir string, sink *archiveSink, processed *atomic.Int64, total int64, fullBackup bool) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		plog.Warn("Directory does not exist, skipping", "dir", dir)
		b.logRun("Warning: Directory does not exist, skipping: %s", dir)
		return nil
	}

	// Each worker re-reads the watermark rather than receiving a value; the
	// file does not change during the run, so all workers and the counting
	// pass see the same cutoff.
	cutoff := time.Unix(0, 0)
	if !fullBackup {
		cutoff = b.watermark.Read()
	}

	// Sink failures are fatal for the whole run, unlike traversal errors
	// which only end this directory. They are tracked separately because
	// WalkDir returns both through the same error value.
	var sinkErr error

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrPermission) {
				plog.Warn("Permission denied, skipping", "path", path)
				return nil
			}
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			plog.Warn("Cannot stat file, skipping", "path", path, "error", err)
			return nil
		}
		if !b.shouldInclude(filepath.Ext(path), info.ModTime(), cutoff, fullBackup) {
			b.metrics.AddFilesSkipped(1)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			plog.Warn("Failed to open file, skipping", "path", path, "error", err)
			b.logRun("Failed to open file: %s (error: %v)", path, err)
			b.metrics.AddFilesFailed(1)
			return nil
		}
		writeErr := sink.writeEntry(ctx, util.NormalizePath(path), info.Size(), info.ModTime(), f)
		f.Close()
		if writeErr != nil {
			if !errors.Is(writeErr, context.Canceled) && !errors.Is(writeErr, context.DeadlineExceeded) {
				sinkErr = writeErr
			}
			return writeErr
		}

		done := processed.Add(1)
		b.metrics.AddFilesArchived(1)
		b.metrics.AddBytesArchived(info.Size())
		plog.Notice("ADD", "file", path)
		b.logRun("Backed up: %s", path)
		if b.progress != nil {
			b.progress(done, total)
		}
		return nil
	})

	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			b.logRun("Warning: Backup interrupted by signal, stopping directory processing: %s", dir)
			return walkErr
		}
		if sinkErr != nil {
			b.logRun("%v", sinkErr)
			return sinkErr
		}
		plog.Warn("Failed to access directory, skipping", "dir", dir, "error", walkErr)
		b.logRun("Warning: Failed to access directory %s: %v, skipping.", dir, walkErr)
	}
	return nil
}
