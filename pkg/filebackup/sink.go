package filebackup

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/securevault/securevault/pkg/pool"
	"github.com/securevault/securevault/pkg/util"
)

// sinkBufferSize is the bufio layer between the compressor and the disk.
const sinkBufferSize = 64 * 1024

// entryMode is the fixed permission set recorded for every archive member
// (owner read/write, group and other read).
const entryMode = 0644

// archiveSink owns the single compressed tar stream for one run. It is shared
// by reference with every directory worker; writeEntry serializes all access
// so one member's header and body are never interleaved with another's.
type archiveSink struct {
	mu      sync.Mutex
	f       *os.File
	bufw    *bufio.Writer
	codec   io.WriteCloser
	tw      *tar.Writer
	bufPool *pool.FixedBufferPool
	closed  bool
}

// openSink creates parent directories as needed and opens the compressed tar
// writer stack at path.
func openSink(path string, codec Codec, bufPool *pool.FixedBufferPool) (*archiveSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create output directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %s (error: %v)", path, err)
	}

	bufw := bufio.NewWriterSize(f, sinkBufferSize)

	var compressedWriter io.WriteCloser
	switch codec {
	case CodecZstd:
		zstdWriter, err := zstd.NewWriter(bufw)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zstdWriter
	default:
		compressedWriter = pgzip.NewWriter(bufw)
	}

	return &archiveSink{
		f:       f,
		bufw:    bufw,
		codec:   compressedWriter,
		tw:      tar.NewWriter(compressedWriter),
		bufPool: bufPool,
	}, nil
}

// writeEntry appends one member: a header naming the source path verbatim,
// followed by the body streamed from r in fixed-size chunks. The sink lock is
// held for the entire header+body write. Cancellation is re-checked after
// acquiring the lock (so no header is started for a doomed member) and again
// between chunks; an interrupted or short body is null-filled to the declared
// size so the container stays structurally valid.
func (s *archiveSink) writeEntry(ctx context.Context, name string, size int64, modTime time.Time, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	header := &tar.Header{
		Name:     name,
		Size:     size,
		Mode:     entryMode,
		Typeflag: tar.TypeReg,
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}
	if err := s.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write archive header for %s: %w", name, err)
	}

	bufPtr := s.bufPool.Get()
	defer s.bufPool.Put(bufPtr)
	buf := *bufPtr

	var written int64
	for written < size {
		if err := ctx.Err(); err != nil {
			if padErr := s.padEntry(buf, size-written); padErr != nil {
				return padErr
			}
			return err
		}

		chunk := size - written
		if chunk > int64(len(buf)) {
			chunk = int64(len(buf))
		}

		n, readErr := io.ReadFull(r, buf[:chunk])
		if n > 0 {
			if _, err := s.tw.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write archive data for %s: %w", name, err)
			}
			written += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				// The source shrank after it was stat'ed during the walk.
				return s.padEntry(buf, size-written)
			}
			return fmt.Errorf("failed to read file %s: %w", name, readErr)
		}
	}
	return nil
}

// padEntry null-fills the remainder of the current member's declared size.
// Must be called with the sink lock held.
func (s *archiveSink) padEntry(buf []byte, remaining int64) error {
	for i := range buf {
		buf[i] = 0
	}
	for remaining > 0 {
		chunk := remaining
		if chunk > int64(len(buf)) {
			chunk = int64(len(buf))
		}
		n, err := s.tw.Write(buf[:chunk])
		if err != nil {
			return fmt.Errorf("failed to pad archive member: %w", err)
		}
		remaining -= int64(n)
	}
	return nil
}

// close finalizes and flushes the whole writer stack. It runs at most once;
// it must be called whether the run completed or was cancelled, otherwise the
// container's end-of-archive marker is never written.
func (s *archiveSink) close() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.tw.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("archive writer close failed: %w", err)
	}
	if err := s.codec.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("compressed writer close failed: %w", err)
	}
	if err := s.bufw.Flush(); err != nil && retErr == nil {
		retErr = fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := s.f.Close(); err != nil && retErr == nil {
		retErr = fmt.Errorf("archive file close failed: %w", err)
	}
	return retErr
}
