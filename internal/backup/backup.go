package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/lestrrat-go/strftime"

	"github.com/CZERTAINLY/Warden/internal/walk"
)

// MaxRotation is the number of archives which can be created per a single
// formatted name (typically one day).
const MaxRotation = 256

// ErrRotationLimit is returned when all rotation indices are taken.
var ErrRotationLimit = fmt.Errorf("limit of %d backups with the same name exceeded", MaxRotation)

// Name returns the archive file name for a rotation index.
func Name(template string, t time.Time, index int) (string, error) {
	prefix, err := strftime.Format(template, t)
	if err != nil {
		return "", fmt.Errorf("formatting backup name %q: %w", template, err)
	}
	return prefix + "_" + strconv.Itoa(index) + ".tar.gz", nil
}

// Archiver stores the content of a Source directory as a gzipped tarball in
// the Destination directory.
type Archiver struct {
	Source      string
	Destination string
	Template    string
	// Now returns the time used for naming, time.Now when nil
	Now func() time.Time
}

// Archive creates a new archive under the lowest free rotation index and
// returns its path. A name which already exists moves to the next index, any
// other error aborts.
func (a Archiver) Archive(ctx context.Context) (string, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	t := now()

	if err := os.MkdirAll(a.Destination, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	for i := range MaxRotation {
		name, err := Name(a.Template, t, i)
		if err != nil {
			return "", err
		}
		dest := filepath.Join(a.Destination, name)
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating backup %s: %w", dest, err)
		}

		slog.DebugContext(ctx, "archiving", "source", a.Source, "path", dest)
		sum := sha256.New()
		err = a.write(ctx, io.MultiWriter(f, sum))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
			return "", fmt.Errorf("writing backup %s: %w", dest, err)
		}

		if err := writeChecksum(dest, sum); err != nil {
			return dest, err
		}
		return dest, nil
	}
	return "", ErrRotationLimit
}

func (a Archiver) write(ctx context.Context, w io.Writer) error {
	root, err := os.OpenRoot(a.Source)
	if err != nil {
		return err
	}
	defer func() {
		_ = root.Close()
	}()

	var skip []string
	if rel, ok := nested(a.Source, a.Destination); ok {
		skip = append(skip, filepath.ToSlash(rel))
	}

	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)
	base := filepath.Base(filepath.Clean(a.Source))

	for entry, err := range walk.Root(ctx, root, skip...) {
		if err != nil {
			return err
		}
		if err := addEntry(tw, base, entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// nested returns the path of dest relative to src when dest lies inside src.
// Either of them can be relative to the working directory.
func nested(src, dest string) (string, bool) {
	src, err := filepath.Abs(src)
	if err != nil {
		return "", false
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(src, dest)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	return rel, true
}

func addEntry(tw *tar.Writer, base string, entry walk.Entry) error {
	info := entry.Info()
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		var err error
		link, err = entry.Link()
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = path.Join(base, entry.Path())
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := entry.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = io.Copy(tw, f)
	return err
}

// writeChecksum stores a sha256sum compatible sidecar next to the archive.
func writeChecksum(archive string, sum hash.Hash) error {
	line := hex.EncodeToString(sum.Sum(nil)) + "  " + filepath.Base(archive) + "\n"
	if err := renameio.WriteFile(archive+".sha256", []byte(line), 0o644); err != nil {
		return fmt.Errorf("writing checksum of %s: %w", archive, err)
	}
	return nil
}
