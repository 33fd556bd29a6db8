package envforge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if pool, err := x509.SystemCertPool(); err == nil && pool != nil {
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Minute,
	}
}

type downloadOptions struct {
	Quiet bool
}

// applyMirror rewrites a channel URL to the configured mirror, keeping the
// path intact. Returns the original URL when no mirror is set.
func applyMirror(originalURL string) string {
	if mirrorURL == "" {
		return originalURL
	}
	u, err := url.Parse(originalURL)
	if err != nil {
		return originalURL
	}
	return mirrorURL + u.Path
}

func downloadFile(originalURL, finalURL, destFile string) error {
	return downloadFileWithOptions(originalURL, finalURL, destFile, downloadOptions{})
}

func downloadFileQuiet(originalURL, finalURL, destFile string) error {
	return downloadFileWithOptions(originalURL, finalURL, destFile, downloadOptions{Quiet: true})
}

// downloadFileWithOptions fetches finalURL into destFile. An exclusive flock
// next to the destination serializes concurrent fetchers of the same file;
// the download lands in a temp file and is renamed into place only when
// complete, so a partial file never looks cached.
func downloadFileWithOptions(originalURL, finalURL, destFile string, opt downloadOptions) error {
	if !opt.Quiet && originalURL != finalURL {
		mirrorMessageOnce.Do(func() {
			colArrow.Print("-> ")
			colSuccess.Printf("Using mirror: %s\n", mirrorURL)
		})
	}

	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}
	lockPath := destFile + ".lock"

	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// DOUBLE CHECK: another fetcher may have finished while we waited.
	if _, err := os.Stat(destFile); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", destFile)
		_ = os.Remove(lockPath)
		return nil
	}

	defer func() {
		if _, err := os.Stat(destFile); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", finalURL, destFile)

	client := newHTTPClient()
	resp, err := client.Get(finalURL)
	if err != nil {
		return fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status: %s", finalURL, resp.Status)
	}

	tmpPath := destFile + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", tmpPath, err)
	}

	var dst io.Writer = out
	showBar := !opt.Quiet && term.IsTerminal(int(os.Stderr.Fd()))
	if showBar {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dst = io.MultiWriter(out, bar)
	}

	_, err = io.Copy(dst, resp.Body)
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return closeErr
	}

	if err := os.Rename(tmpPath, destFile); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	return nil
}

// fetchPackage downloads the archive for an index entry into PackagesDir and
// verifies it against the index checksum. Cached archives that still verify
// are reused without a download.
func fetchPackage(entry IndexEntry, quiet bool) (string, error) {
	if entry.Channel == "" {
		return "", fmt.Errorf("index entry for %s has no channel URL", entry.Name)
	}
	filename := entry.Filename
	if filename == "" {
		filename = StandardizePackageName(entry.Name, entry.Version, entry.Revision, entry.Arch)
	}
	// Local channels are directories of archives; use them in place.
	if !strings.Contains(entry.Channel, "://") {
		localPath := filepath.Join(entry.Channel, filename)
		if err := verifyChecksum(localPath, entry.B3Sum); err != nil {
			return "", err
		}
		return localPath, nil
	}

	destPath := filepath.Join(PackagesDir, filename)

	// Reuse the cache when the archive verifies.
	var cached bool
	err := withSharedDownloadLock(destPath, func() error {
		if _, err := os.Stat(destPath); err != nil {
			return nil
		}
		if err := verifyChecksum(destPath, entry.B3Sum); err != nil {
			debugf("Cached archive %s failed verification, redownloading: %v\n", filename, err)
			return os.Remove(destPath)
		}
		cached = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if cached {
		debugf("Using cached archive %s\n", filename)
		return destPath, nil
	}

	originalURL := strings.TrimRight(entry.Channel, "/") + "/" + filename
	finalURL := applyMirror(originalURL)

	if quiet {
		err = downloadFileQuiet(originalURL, finalURL, destPath)
	} else {
		err = downloadFile(originalURL, finalURL, destPath)
	}
	if err != nil {
		return "", err
	}

	if err := verifyChecksum(destPath, entry.B3Sum); err != nil {
		_ = os.Remove(destPath)
		return "", err
	}
	return destPath, nil
}

// prefetchPackages warms the archive cache for a resolution in the background.
// Failures are silent; the build path re-downloads with full error reporting.
func prefetchPackages(res *Resolution) {
	go func() {
		for _, name := range res.Order {
			entry := res.Selected[name]
			if _, err := fetchPackage(entry, true); err != nil {
				debugf("prefetch of %s failed: %v\n", name, err)
			}
		}
	}()
}

// fetchChannelIndex loads a channel's index.json, using the on-disk cache
// unless refresh is set. Channel caches are keyed by the URL hash.
func fetchChannelIndex(channelURL string, refresh bool) ([]IndexEntry, error) {
	cachePath := filepath.Join(ChannelsDir, hashString(channelURL)[:16]+".json")

	if !refresh {
		if data, err := os.ReadFile(cachePath); err == nil {
			entries, err := ParseIndex(data)
			if err == nil {
				for i := range entries {
					entries[i].Channel = channelURL
				}
				return entries, nil
			}
			debugf("Corrupt channel cache %s, refetching: %v\n", cachePath, err)
		}
	}

	// downloadFile treats an existing destination as complete, so a stale
	// cache must be dropped before refetching.
	_ = os.Remove(cachePath)

	indexURL := strings.TrimRight(channelURL, "/") + "/index.json"
	if err := downloadFileQuiet(indexURL, applyMirror(indexURL), cachePath); err != nil {
		return nil, fmt.Errorf("failed to fetch channel index from %s: %w", channelURL, err)
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, err
	}
	entries, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("invalid channel index from %s: %w", channelURL, err)
	}
	for i := range entries {
		entries[i].Channel = channelURL
	}
	return entries, nil
}

// loadChannels fetches and merges every channel index named by the manifest.
// Local paths (no scheme) are read directly, which keeps tests and air-gapped
// builds off the network.
func loadChannels(m *Manifest, refresh bool) (*ChannelIndex, error) {
	if len(m.Channels) == 0 {
		return nil, fmt.Errorf("manifest %s lists no channels", m.Name)
	}

	var all [][]IndexEntry
	for _, ch := range m.Channels {
		var entries []IndexEntry
		var err error
		if strings.Contains(ch, "://") {
			entries, err = fetchChannelIndex(ch, refresh)
		} else {
			entries, err = LoadIndexFile(filepath.Join(ch, "index.json"))
			for i := range entries {
				entries[i].Channel = ch
			}
		}
		if err != nil {
			return nil, err
		}
		all = append(all, entries)
	}
	return NewChannelIndex(all...), nil
}
