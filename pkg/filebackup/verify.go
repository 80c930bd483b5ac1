package filebackup

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Verify opens the archive at path and walks every member, draining each
// body through the decompressor. This catches truncated streams, bad
// checksums and malformed headers without extracting anything to disk. The
// codec is picked from the file name: a .zst suffix means zstd, anything
// else gzip.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive for verification: %s (error: %v)", path, err)
	}
	defer f.Close()

	var r io.Reader
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("archive verification failed for %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	} else {
		gzr, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("archive verification failed for %s: %w", path, err)
		}
		defer gzr.Close()
		r = gzr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive verification failed for %s: %w", path, err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("archive verification failed for member %s: %w", hdr.Name, err)
		}
	}
}
