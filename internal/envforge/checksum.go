package envforge

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// hashString returns the BLAKE3 hex digest of a string (32-byte output, no key).
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ComputeChecksum returns the BLAKE3 hex digest of a file's contents.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ComputeChecksums hashes multiple files concurrently, bounded by the CPU
// count. The result maps each input path to its digest.
func ComputeChecksums(paths []string) (map[string]string, error) {
	results := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, path := range paths {
		p := path
		g.Go(func() error {
			sum, err := ComputeChecksum(p)
			if err != nil {
				return err
			}
			mu.Lock()
			results[p] = sum
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// verifyChecksum compares a file against an expected digest. An empty
// expected digest passes, so index entries without checksums stay usable.
func verifyChecksum(path, expected string) error {
	if expected == "" {
		return nil
	}
	sum, err := ComputeChecksum(path)
	if err != nil {
		return err
	}
	if sum != expected {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", path, sum, expected)
	}
	return nil
}

// withSharedDownloadLock runs fn while holding a shared flock next to
// lockBase, so verification never races a concurrent download of the same file.
func withSharedDownloadLock(lockBase string, fn func() error) error {
	lockPath := lockBase + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}
