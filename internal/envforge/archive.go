package envforge

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// packageMetadataNames are archive members that describe the package rather
// than belong in the environment tree. They are consumed during staging and
// never land in a layer.
var packageMetadataNames = map[string]bool{
	"pkginfo": true,
	"depends": true,
	"hook":    true,
}

func isMetadataEntry(name string) (string, bool) {
	base := strings.TrimPrefix(filepath.Clean(name), "./")
	if packageMetadataNames[base] {
		return base, true
	}
	return "", false
}

// unzipGo extracts a zip archive into dest.
func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Security Check: Prevent Zip Slip path traversal attacks.
		if !strings.HasPrefix(fpath, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// compressionReader wraps f in a decompressor picked by file extension.
func compressionReader(f *os.File, path string) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".tar.bz2"):
		return bzip2.NewReader(f), noop, nil
	case strings.HasSuffix(path, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		return xr, noop, nil
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(path, ".tar"):
		return f, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported archive format: %s", path)
	}
}

// extractPackage unpacks a package archive into dest, diverting metadata
// members (pkginfo, depends, hook) into metaDir when it is non-empty.
// Zip archives carry no metadata members and extract as-is.
func extractPackage(archivePath, dest, metaDir string) error {
	if strings.HasSuffix(archivePath, ".zip") {
		return unzipGo(archivePath, dest)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	r, closer, err := compressionReader(f, archivePath)
	if err != nil {
		return err
	}
	defer closer()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", archivePath, err)
			}
			continue
		}

		targetName := strings.TrimPrefix(filepath.Clean(hdr.Name), "./")
		if targetName == "" || targetName == "." {
			continue
		}
		// Same traversal guard as the zip path: Clean leaves ".." only at
		// the start, so a prefix check is enough.
		if targetName == ".." || strings.HasPrefix(targetName, "../") {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}

		if base, ok := isMetadataEntry(hdr.Name); ok && hdr.Typeflag == tar.TypeReg {
			if metaDir == "" {
				io.Copy(io.Discard, tr)
				continue
			}
			if err := os.MkdirAll(metaDir, 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(filepath.Join(metaDir, base), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
			continue
		}

		targetPath := filepath.Join(dest, targetName)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeLink:
			linkName := strings.TrimPrefix(filepath.Clean(hdr.Linkname), "./")
			if linkName == ".." || strings.HasPrefix(linkName, "../") {
				return fmt.Errorf("illegal link target in archive: %s", hdr.Linkname)
			}
			linkSource := filepath.Join(dest, linkName)
			_ = os.Remove(targetPath)
			if err := os.Link(linkSource, targetPath); err != nil {
				return fmt.Errorf("failed to create hard link %s -> %s: %w", targetPath, linkSource, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	return nil
}

// layerEpoch is the fixed timestamp stamped on every layer entry, so that
// identical trees always produce byte-identical layers.
var layerEpoch = time.Unix(0, 0).UTC()

// createLayerTarball packs srcDir into a deterministic .tar.zst at destPath:
// entries sorted by path, root-owned, fixed timestamps. Returns the BLAKE3
// hex digest of the compressed stream and its size.
func createLayerTarball(srcDir, destPath string) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create layer directory: %w", err)
	}

	var paths []string
	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	sort.Strings(paths)

	outFile, err := os.Create(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create layer file: %w", err)
	}
	defer outFile.Close()

	hasher := blake3.New(32, nil)
	zw, err := zstd.NewWriter(io.MultiWriter(outFile, hasher))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return "", 0, err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return "", 0, err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return "", 0, fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return "", 0, err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}

		// Layers must be portable: numeric root ownership, fixed times.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		hdr.ModTime = layerEpoch
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Format = tar.FormatPAX

		if err := tw.WriteHeader(hdr); err != nil {
			return "", 0, err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return "", 0, err
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return "", 0, err
			}
			f.Close()
		}
	}

	if err := tw.Close(); err != nil {
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		return "", 0, err
	}

	stat, err := os.Stat(destPath)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), stat.Size(), nil
}

// unpackLayer extracts a .tar.zst layer into dest. Used by the assembler's
// flatten mode and by verification.
func unpackLayer(layerPath, dest string) error {
	f, err := os.Open(layerPath)
	if err != nil {
		return fmt.Errorf("open layer: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		name := strings.TrimPrefix(filepath.Clean(hdr.Name), "./")
		if name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("illegal file path in layer: %s", hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
		}
	}
	return nil
}
