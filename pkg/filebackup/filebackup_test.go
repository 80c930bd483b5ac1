package filebackup

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/securevault/securevault/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// writeTestFile creates path (and its parents) with the given content.
func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// readMembers decompresses the archive and returns member name -> content.
// The codec is picked from the file name, the same way Verify does it.
func readMembers(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer f.Close()

	var r io.Reader
	if strings.HasSuffix(archivePath, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("failed to open zstd stream: %v", err)
		}
		defer zr.Close()
		r = zr
	} else {
		gzr, err := pgzip.NewReader(f)
		if err != nil {
			t.Fatalf("failed to open gzip stream: %v", err)
		}
		defer gzr.Close()
		r = gzr
	}

	members := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read archive member: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("failed to read member body %s: %v", hdr.Name, err)
		}
		members[hdr.Name] = string(body)
	}
	return members
}

// memberName is the archive member name Execute records for a source path.
func memberName(path string) string {
	return filepath.ToSlash(path)
}

func TestExecuteFullBackupArchivesEverything(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTestFile(t, filepath.Join(dirA, "a.txt"), "alpha")
	writeTestFile(t, filepath.Join(dirA, "sub", "b.txt"), "beta")
	writeTestFile(t, filepath.Join(dirB, "c.log"), "gamma")

	out := filepath.Join(t.TempDir(), "sys-daily.tar.gz")
	b := New(nil, filepath.Join(t.TempDir(), "last_backup.txt"))

	if err := b.Execute(context.Background(), []string{dirA, dirB}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	members := readMembers(t, out)
	want := map[string]string{
		memberName(filepath.Join(dirA, "a.txt")):        "alpha",
		memberName(filepath.Join(dirA, "sub", "b.txt")): "beta",
		memberName(filepath.Join(dirB, "c.log")):        "gamma",
	}
	if len(members) != len(want) {
		t.Fatalf("archive has %d members, want %d: %v", len(members), len(want), members)
	}
	for name, content := range want {
		if got, ok := members[name]; !ok {
			t.Errorf("member %s missing from archive", name)
		} else if got != content {
			t.Errorf("member %s content = %q, want %q", name, got, content)
		}
	}
}

func TestExecuteExcludesConfiguredExtensions(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "keep.txt"), "keep")
	writeTestFile(t, filepath.Join(dir, "drop.tmp"), "drop")
	writeTestFile(t, filepath.Join(dir, "drop.log"), "drop")
	writeTestFile(t, filepath.Join(dir, "noextension"), "keep")

	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New([]string{".tmp", ".log"}, filepath.Join(t.TempDir(), "last_backup.txt"))

	if err := b.Execute(context.Background(), []string{dir}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	members := readMembers(t, out)
	if len(members) != 2 {
		t.Fatalf("archive has %d members, want 2: %v", len(members), members)
	}
	for _, name := range []string{
		memberName(filepath.Join(dir, "keep.txt")),
		memberName(filepath.Join(dir, "noextension")),
	} {
		if _, ok := members[name]; !ok {
			t.Errorf("member %s missing from archive", name)
		}
	}
}

func TestCountFilesMatchesArchivedMembers(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")
	writeTestFile(t, filepath.Join(dir, "b.tmp"), "b")
	writeTestFile(t, filepath.Join(dir, "sub", "c.txt"), "c")
	writeTestFile(t, filepath.Join(dir, "sub", "deep", "d.txt"), "d")

	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New([]string{".tmp"}, filepath.Join(t.TempDir(), "last_backup.txt"))

	count := b.CountFiles([]string{dir}, true)
	if err := b.Execute(context.Background(), []string{dir}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	members := readMembers(t, out)
	if count != len(members) {
		t.Errorf("CountFiles() = %d, archive has %d members", count, len(members))
	}
}

func TestExecuteIncrementalSkipsUnmodifiedFiles(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "old.txt")
	newFile := filepath.Join(dir, "new.txt")
	writeTestFile(t, oldFile, "old")
	writeTestFile(t, newFile, "new")

	cutoff := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(oldFile, cutoff.Add(-time.Hour), cutoff.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(newFile, cutoff.Add(time.Hour), cutoff.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	watermark := filepath.Join(t.TempDir(), "last_backup.txt")
	if err := (watermarkStore{path: watermark}).Write(cutoff); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New(nil, watermark)

	if err := b.Execute(context.Background(), []string{dir}, out, false); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	members := readMembers(t, out)
	if _, ok := members[memberName(oldFile)]; ok {
		t.Errorf("unmodified file %s was archived", oldFile)
	}
	if _, ok := members[memberName(newFile)]; !ok {
		t.Errorf("modified file %s missing from archive", newFile)
	}
}

func TestExecuteFullBackupIgnoresWatermark(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")

	// Watermark in the future: an incremental run would select nothing.
	watermark := filepath.Join(t.TempDir(), "last_backup.txt")
	if err := (watermarkStore{path: watermark}).Write(time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	out1 := filepath.Join(t.TempDir(), "out1.tar.gz")
	out2 := filepath.Join(t.TempDir(), "out2.tar.gz")
	b := New(nil, watermark)

	if err := b.Execute(context.Background(), []string{dir}, out1, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := b.Execute(context.Background(), []string{dir}, out2, true); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	first := readMembers(t, out1)
	second := readMembers(t, out2)
	if len(first) != 1 {
		t.Fatalf("full backup archived %d members, want 1", len(first))
	}
	for name := range first {
		if _, ok := second[name]; !ok {
			t.Errorf("repeated full backup is missing member %s", name)
		}
	}
}

func TestExecuteNothingToBackUpCreatesNoArchive(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New(nil, filepath.Join(t.TempDir(), "last_backup.txt"))

	if err := b.Execute(context.Background(), []string{t.TempDir()}, out, false); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("archive %s was created for an empty selection", out)
	}
}

func TestExecuteSkipsMissingDirectories(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")
	missing := filepath.Join(t.TempDir(), "never-created")

	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New(nil, filepath.Join(t.TempDir(), "last_backup.txt"))

	if err := b.Execute(context.Background(), []string{missing, dir}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	members := readMembers(t, out)
	if len(members) != 1 {
		t.Errorf("archive has %d members, want 1", len(members))
	}
}

func TestExecuteAdvancesWatermarkOnSuccess(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")

	watermark := filepath.Join(t.TempDir(), "last_backup.txt")
	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New(nil, watermark)

	before := time.Now().Add(-time.Second)
	if err := b.Execute(context.Background(), []string{dir}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	data, err := os.ReadFile(watermark)
	if err != nil {
		t.Fatalf("watermark not written: %v", err)
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		t.Fatalf("watermark content %q is not a unix timestamp: %v", data, err)
	}
	if got := time.Unix(seconds, 0); got.Before(before) {
		t.Errorf("watermark = %v, want at or after %v", got, before)
	}
}

func TestExecuteCancellation(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	for i := 0; i < 4; i++ {
		writeTestFile(t, filepath.Join(dirA, "a"+strconv.Itoa(i)+".txt"), "a")
		writeTestFile(t, filepath.Join(dirB, "b"+strconv.Itoa(i)+".txt"), "b")
	}

	watermark := filepath.Join(t.TempDir(), "last_backup.txt")
	if err := os.WriteFile(watermark, []byte("12345"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New(nil, watermark, WithProgress(func(processed, total int64) {
		cancel()
	}))

	err := b.Execute(ctx, []string{dirA, dirB}, out, true)
	if err != ErrInterrupted {
		t.Fatalf("Execute() error = %v, want ErrInterrupted", err)
	}

	// The cutoff must survive a cancelled run unchanged.
	data, readErr := os.ReadFile(watermark)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(data) != "12345" {
		t.Errorf("watermark = %q after cancellation, want unchanged %q", data, "12345")
	}

	// The archive was closed on the way out and must still be parseable.
	if err := Verify(out); err != nil {
		t.Errorf("Verify() on cancelled archive error = %v", err)
	}
}

func TestExecuteZstdCodec(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "alpha")

	out := filepath.Join(t.TempDir(), "out.tar.zst")
	b := New(nil, filepath.Join(t.TempDir(), "last_backup.txt"), WithCodec(CodecZstd))

	if err := b.Execute(context.Background(), []string{dir}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := Verify(out); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	members := readMembers(t, out)
	if got := members[memberName(filepath.Join(dir, "a.txt"))]; got != "alpha" {
		t.Errorf("member content = %q, want %q", got, "alpha")
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "alpha")

	out := filepath.Join(t.TempDir(), "out.tar.gz")
	b := New(nil, filepath.Join(t.TempDir(), "last_backup.txt"))
	if err := b.Execute(context.Background(), []string{dir}, out, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	t.Run("valid archive", func(t *testing.T) {
		if err := Verify(out); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	})

	t.Run("truncated archive", func(t *testing.T) {
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		truncated := filepath.Join(t.TempDir(), "truncated.tar.gz")
		if err := os.WriteFile(truncated, data[:len(data)/2], 0644); err != nil {
			t.Fatal(err)
		}
		if err := Verify(truncated); err == nil {
			t.Error("Verify() accepted a truncated archive")
		}
	})

	t.Run("not an archive", func(t *testing.T) {
		garbage := filepath.Join(t.TempDir(), "garbage.tar.gz")
		if err := os.WriteFile(garbage, []byte("this is not gzip"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := Verify(garbage); err == nil {
			t.Error("Verify() accepted garbage input")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if err := Verify(filepath.Join(t.TempDir(), "nope.tar.gz")); err == nil {
			t.Error("Verify() accepted a missing file")
		}
	})
}

func TestCodecFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"", CodecGzip, false},
		{"gzip", CodecGzip, false},
		{"zstd", CodecZstd, false},
		{"lz4", "", true},
	}
	for _, tt := range tests {
		got, err := CodecFromString(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CodecFromString(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CodecFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
