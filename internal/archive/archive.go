// Package archive unpacks downloaded implementation archives into a
// directory. Supported formats are tar (optionally compressed with gzip,
// bzip2, xz or zstd) and zip.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// MIME types accepted in feeds.
const (
	Tar      = "application/x-tar"
	TarGzip  = "application/x-compressed-tar"
	TarBzip2 = "application/x-bzip-compressed-tar"
	TarXz    = "application/x-xz-compressed-tar"
	TarZstd  = "application/x-zstd-compressed-tar"
	Zip      = "application/zip"
)

var ErrUnsupported = errors.New("unsupported archive type")

// detected maps the container types mimetype reports to archive types.
var detected = []struct {
	mime string
	typ  string
}{
	{"application/gzip", TarGzip},
	{"application/x-bzip2", TarBzip2},
	{"application/x-xz", TarXz},
	{"application/zstd", TarZstd},
	{"application/x-tar", Tar},
	{"application/zip", Zip},
}

// Supported reports whether typ can be unpacked. An empty type is detected
// from the content and counts as supported.
func Supported(typ string) bool {
	switch typ {
	case "", Tar, TarGzip, TarBzip2, TarXz, TarZstd, Zip:
		return true
	}
	return false
}

// Detect sniffs the archive type of the file at p.
func Detect(p string) (string, error) {
	mime, err := mimetype.DetectFile(p)
	if err != nil {
		return "", fmt.Errorf("detecting archive type: %w", err)
	}
	for _, d := range detected {
		if mime.Is(d.mime) {
			return d.typ, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mime.String())
}

// Unpack extracts the archive at src into the existing directory dest. If
// extract is set, only that sub-directory is unpacked, and its contents land
// directly in dest.
func Unpack(ctx context.Context, src, typ, extract, dest string) error {
	if typ == "" {
		var err error
		if typ, err = Detect(src); err != nil {
			return err
		}
	}

	prefix := ""
	if extract != "" {
		clean := path.Clean(strings.Trim(filepath.ToSlash(extract), "/"))
		if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("invalid extract directory %q", extract)
		}
		prefix = clean + "/"
	}

	u := &unpacker{ctx: ctx, dest: dest, prefix: prefix}
	var err error
	if typ == Zip {
		err = u.zip(src)
	} else {
		err = u.tarFile(src, typ)
	}
	if err != nil {
		return err
	}
	if prefix != "" && !u.matched {
		return fmt.Errorf("directory %q not found in archive", extract)
	}
	return nil
}

type unpacker struct {
	ctx     context.Context
	dest    string
	prefix  string
	matched bool
}

func (u *unpacker) tarFile(src, typ string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch typ {
	case Tar:
	case TarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("decompressing archive: %w", err)
		}
		defer gz.Close()
		r = gz
	case TarBzip2:
		r = bzip2.NewReader(f)
	case TarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("decompressing archive: %w", err)
		}
		r = xr
	case TarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("decompressing archive: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, typ)
	}

	tr := tar.NewReader(r)
	for {
		if err := u.ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = u.dir(hdr.Name)
		case tar.TypeReg:
			err = u.file(hdr.Name, os.FileMode(hdr.Mode), hdr.ModTime, tr)
		case tar.TypeSymlink:
			err = u.symlink(hdr.Name, hdr.Linkname)
		case tar.TypeLink:
			err = u.hardlink(hdr.Name, hdr.Linkname)
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
		default:
			err = fmt.Errorf("%s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
		if err != nil {
			return err
		}
	}
}

func (u *unpacker) zip(src string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := u.ctx.Err(); err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			err = u.dir(f.Name)
		case mode&os.ModeSymlink != 0:
			err = u.zipSymlink(f)
		case mode.IsRegular():
			err = u.zipFile(f)
		default:
			err = fmt.Errorf("%s: unsupported entry type %s", f.Name, mode.Type())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unpacker) zipFile(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	defer rc.Close()
	return u.file(f.Name, f.Mode(), f.Modified, rc)
}

func (u *unpacker) zipSymlink(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	defer rc.Close()
	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return u.symlink(f.Name, string(target))
}

// target maps an archive entry name to a path below dest. ok is false for
// entries outside the extract directory.
func (u *unpacker) target(name string) (string, bool, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))[1:]
	if strings.Contains(name, "..") {
		for _, part := range strings.Split(filepath.ToSlash(name), "/") {
			if part == ".." {
				return "", false, fmt.Errorf("%s: path escapes the archive", name)
			}
		}
	}
	if u.prefix != "" {
		if clean+"/" == u.prefix {
			u.matched = true
			return "", false, nil
		}
		rest, ok := strings.CutPrefix(clean, u.prefix)
		if !ok {
			return "", false, nil
		}
		u.matched = true
		clean = rest
	}
	if clean == "" {
		return "", false, nil
	}
	full := filepath.Join(u.dest, filepath.FromSlash(clean))
	if err := u.checkParents(clean); err != nil {
		return "", false, err
	}
	return full, true, nil
}

// checkParents refuses to write through a symlink created by an earlier entry.
func (u *unpacker) checkParents(rel string) error {
	dir := path.Dir(rel)
	cur := u.dest
	for _, part := range strings.Split(dir, "/") {
		if part == "." || part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s: path passes through a symlink", rel)
		}
	}
	return nil
}

func (u *unpacker) dir(name string) error {
	p, ok, err := u.target(name)
	if err != nil || !ok {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

func (u *unpacker) file(name string, mode os.FileMode, mtime time.Time, r io.Reader) error {
	p, ok, err := u.target(name)
	if err != nil || !ok {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	if info, err := os.Lstat(p); err == nil && info.Mode()&os.ModeSymlink != 0 {
		os.Remove(p)
	}

	perm := os.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	out, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(p, perm); err != nil {
		return err
	}
	if mtime.IsZero() {
		return nil
	}
	return os.Chtimes(p, mtime, mtime)
}

func (u *unpacker) symlink(name, linkname string) error {
	p, ok, err := u.target(name)
	if err != nil || !ok {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	os.Remove(p)
	return os.Symlink(linkname, p)
}

func (u *unpacker) hardlink(name, linkname string) error {
	p, ok, err := u.target(name)
	if err != nil || !ok {
		return err
	}
	src, ok, err := u.target(linkname)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: hard link to %s outside the extracted directory", name, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.Link(src, p)
}
