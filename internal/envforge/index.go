package envforge

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// IndexEntry represents a single package in a channel index.
type IndexEntry struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Revision string   `json:"revision"`
	Arch     string   `json:"arch"`
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	B3Sum    string   `json:"b3sum"`
	Depends  []string `json:"depends,omitempty"`

	// Channel is the base URL of the channel this entry came from.
	// Populated on load, never serialized.
	Channel string `json:"-"`
}

// StandardizePackageName generates the canonical archive filename for an entry.
func StandardizePackageName(name, ver, rev, arch string) string {
	return fmt.Sprintf("%s-%s-%s-%s.tar.zst", name, ver, rev, arch)
}

// isNewer returns true if a is newer than b.
func isNewer(a, b IndexEntry) bool {
	cmp := compareVersions(a.Version, b.Version)
	if cmp > 0 {
		return true
	}
	if cmp < 0 {
		return false
	}
	ar, _ := strconv.Atoi(a.Revision)
	br, _ := strconv.Atoi(b.Revision)
	return ar > br
}

// ChannelIndex holds the merged entries of every configured channel,
// newest first per package.
type ChannelIndex struct {
	entries map[string][]IndexEntry
}

// NewChannelIndex builds a merged index. Later channels lose to earlier ones
// only when the earlier entry is strictly newer; otherwise newest wins.
func NewChannelIndex(channels ...[]IndexEntry) *ChannelIndex {
	idx := &ChannelIndex{entries: make(map[string][]IndexEntry)}
	for _, entries := range channels {
		for _, e := range entries {
			idx.entries[e.Name] = append(idx.entries[e.Name], e)
		}
	}
	for name := range idx.entries {
		sort.SliceStable(idx.entries[name], func(i, j int) bool {
			return isNewer(idx.entries[name][i], idx.entries[name][j])
		})
	}
	return idx
}

// Names returns every package name in the index, sorted.
func (idx *ChannelIndex) Names() []string {
	names := make([]string, 0, len(idx.entries))
	for name := range idx.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the known entries for a package, newest first.
func (idx *ChannelIndex) Versions(name string) []IndexEntry {
	return idx.entries[name]
}

// Best returns the newest entry for name that satisfies every accumulated
// constraint, or false when none does.
func (idx *ChannelIndex) Best(name string, constraints []DepSpec) (IndexEntry, bool) {
	for _, e := range idx.entries[name] {
		ok := true
		for _, c := range constraints {
			if !versionSatisfies(e.Version, c.Op, c.Version) {
				ok = false
				break
			}
		}
		if ok {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// SaveIndex writes the index entries to a JSON file.
func SaveIndex(path string, index []IndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ParseIndex reads index entries from JSON data.
func ParseIndex(data []byte) ([]IndexEntry, error) {
	var index []IndexEntry
	if len(data) == 0 {
		return index, nil
	}
	err := json.Unmarshal(data, &index)
	return index, err
}

// LoadIndexFile reads index entries from a JSON file on disk.
func LoadIndexFile(path string) ([]IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseIndex(data)
}

// ReadPackageMetadata extracts pkginfo and computes the checksum for a local
// package archive, producing a complete index entry.
func ReadPackageMetadata(archivePath string) (IndexEntry, error) {
	entry := IndexEntry{
		Filename: filepath.Base(archivePath),
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return entry, err
	}
	entry.Size = info.Size()

	sum, err := ComputeChecksum(archivePath)
	if err != nil {
		return entry, fmt.Errorf("failed to compute checksum: %w", err)
	}
	entry.B3Sum = sum

	metadata, deps, err := scanArchiveMetadata(archivePath)
	if err != nil {
		return entry, fmt.Errorf("failed to scan archive metadata: %w", err)
	}

	entry.Name = metadata["name"]
	entry.Version = metadata["version"]
	entry.Revision = metadata["revision"]
	entry.Arch = metadata["arch"]
	entry.Depends = deps

	if entry.Name == "" {
		return entry, fmt.Errorf("pkginfo in %s has no name", archivePath)
	}
	return entry, nil
}

// scanArchiveMetadata reads pkginfo and depends files from a .tar.zst archive
// in one pass.
func scanArchiveMetadata(archivePath string) (map[string]string, []string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	zsr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, err
	}
	defer zsr.Close()

	var metadata map[string]string
	var dependencies []string

	tr := tar.NewReader(zsr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		if strings.HasSuffix(header.Name, "/pkginfo") || header.Name == "pkginfo" {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read pkginfo from %s: %w", archivePath, err)
			}
			metadata = parsePkgInfo(data)
			continue
		}

		if strings.HasSuffix(header.Name, "/depends") || header.Name == "depends" {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read depends from %s: %w", archivePath, err)
			}
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				dependencies = append(dependencies, line)
			}
			continue
		}
	}

	if metadata == nil {
		return nil, nil, fmt.Errorf("pkginfo not found in %s", archivePath)
	}

	return metadata, dependencies, nil
}

func parsePkgInfo(data []byte) map[string]string {
	meta := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			meta[parts[0]] = parts[1]
		}
	}
	return meta
}

// GenerateIndex scans a directory of package archives and produces index
// entries for each, sorted by name then version.
func GenerateIndex(dir string) ([]IndexEntry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tar.zst"))
	if err != nil {
		return nil, err
	}

	var index []IndexEntry
	for _, path := range matches {
		entry, err := ReadPackageMetadata(path)
		if err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Skipping %s: %v\n", filepath.Base(path), err)
			continue
		}
		index = append(index, entry)
	}

	sort.Slice(index, func(i, j int) bool {
		if index[i].Name != index[j].Name {
			return index[i].Name < index[j].Name
		}
		return isNewer(index[j], index[i])
	})
	return index, nil
}
