package envforge

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMirror(t *testing.T) {
	orig := mirrorURL
	defer func() { mirrorURL = orig }()

	mirrorURL = ""
	assert.Equal(t, "https://pkgs.example.org/stable/zlib.tar.zst",
		applyMirror("https://pkgs.example.org/stable/zlib.tar.zst"))

	mirrorURL = "https://mirror.example.net"
	assert.Equal(t, "https://mirror.example.net/stable/zlib.tar.zst",
		applyMirror("https://pkgs.example.org/stable/zlib.tar.zst"))
}

func TestDownloadFile(t *testing.T) {
	initTestDirs(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pkg.tar.zst" {
			w.Write([]byte("archive-bytes"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.tar.zst")
	url := srv.URL + "/pkg.tar.zst"
	require.NoError(t, downloadFileQuiet(url, url, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
	assert.NoFileExists(t, dest+".part")

	missing := srv.URL + "/missing.tar.zst"
	err = downloadFileQuiet(missing, missing, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchPackageFromLocalChannel(t *testing.T) {
	initTestDirs(t)
	channel := t.TempDir()

	e := localEntry(t, channel, testArchive{
		meta:  map[string]string{"name": "zlib", "version": "1.3.1", "revision": "1", "arch": "x86_64"},
		files: map[string]string{"usr/lib/libz.so.1": "elf"},
	})

	path, err := fetchPackage(e, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(channel, e.Filename), path)

	// A corrupted checksum must be rejected.
	e.B3Sum = hashString("something else")
	_, err = fetchPackage(e, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestFetchPackageDownloadsAndCaches(t *testing.T) {
	initTestDirs(t)
	channel := t.TempDir()

	e := localEntry(t, channel, testArchive{
		meta:  map[string]string{"name": "zlib", "version": "1.3.1", "revision": "1", "arch": "x86_64"},
		files: map[string]string{"usr/lib/libz.so.1": "elf"},
	})

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.ServeFile(w, r, filepath.Join(channel, filepath.Base(r.URL.Path)))
	}))
	defer srv.Close()
	e.Channel = srv.URL

	path, err := fetchPackage(e, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(PackagesDir, e.Filename), path)
	assert.Equal(t, 1, hits)

	// Second fetch reuses the verified cache.
	_, err = fetchPackage(e, true)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestFetchChannelIndexCaching(t *testing.T) {
	initTestDirs(t)

	index := []IndexEntry{{Name: "zlib", Version: "1.3.1", Revision: "1", Arch: "x86_64"}}
	dir := t.TempDir()
	require.NoError(t, SaveIndex(filepath.Join(dir, "index.json"), index))

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.ServeFile(w, r, filepath.Join(dir, "index.json"))
	}))
	defer srv.Close()

	entries, err := fetchChannelIndex(srv.URL, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, srv.URL, entries[0].Channel)
	assert.Equal(t, 1, hits)

	// Cached on disk, no second request.
	_, err = fetchChannelIndex(srv.URL, false)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	// Refresh forces a refetch.
	_, err = fetchChannelIndex(srv.URL, true)
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func TestLoadChannelsLocal(t *testing.T) {
	initTestDirs(t)
	channel := t.TempDir()
	localEntry(t, channel, testArchive{
		meta: map[string]string{"name": "zlib", "version": "1.3.1", "revision": "1", "arch": "x86_64"},
	})
	index, err := GenerateIndex(channel)
	require.NoError(t, err)
	require.NoError(t, SaveIndex(filepath.Join(channel, "index.json"), index))

	m := &Manifest{Name: "env", Channels: []string{channel}, Packages: []string{"zlib"}}
	idx, err := loadChannels(m, false)
	require.NoError(t, err)

	best, ok := idx.Best("zlib", nil)
	require.True(t, ok)
	assert.Equal(t, channel, best.Channel)
}
