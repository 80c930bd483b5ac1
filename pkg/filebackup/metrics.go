package filebackup

import (
	"sync/atomic"

	"github.com/securevault/securevault/pkg/plog"
)

// Metrics defines the interface for collecting archive run statistics.
type Metrics interface {
	AddFilesArchived(n int64)
	AddFilesSkipped(n int64)
	AddFilesFailed(n int64)
	AddBytesArchived(n int64)
	Log()
}

// BackupMetrics holds the atomic counters for one archive run. It is the
// concrete implementation of the Metrics interface and safe for concurrent
// use by all directory workers.
type BackupMetrics struct {
	FilesArchived atomic.Int64
	FilesSkipped  atomic.Int64
	FilesFailed   atomic.Int64
	BytesArchived atomic.Int64
}

func (m *BackupMetrics) AddFilesArchived(n int64) { m.FilesArchived.Add(n) }
func (m *BackupMetrics) AddFilesSkipped(n int64)  { m.FilesSkipped.Add(n) }
func (m *BackupMetrics) AddFilesFailed(n int64)   { m.FilesFailed.Add(n) }
func (m *BackupMetrics) AddBytesArchived(n int64) { m.BytesArchived.Add(n) }

// Log prints a summary of the archive run.
func (m *BackupMetrics) Log() {
	plog.Info("SUM",
		"filesArchived", m.FilesArchived.Load(),
		"filesSkipped", m.FilesSkipped.Load(),
		"filesFailed", m.FilesFailed.Load(),
		"bytesArchived", m.BytesArchived.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no
// operations. It is the default when the caller does not ask for metrics.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesArchived(n int64) {}
func (m *NoopMetrics) AddFilesSkipped(n int64)  {}
func (m *NoopMetrics) AddFilesFailed(n int64)   {}
func (m *NoopMetrics) AddBytesArchived(n int64) {}
func (m *NoopMetrics) Log()                     {}

// Statically assert that our types implement the interface.
var _ Metrics = (*BackupMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
