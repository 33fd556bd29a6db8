package envforge

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// Layer is a built, content-addressed filesystem layer.
type Layer struct {
	Name     string    `json:"name"`     // package the layer was built from
	Version  string    `json:"version"`  //
	Revision string    `json:"revision"` //
	Digest   string    `json:"digest"`   // BLAKE3 hex of the compressed stream
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`

	// Key is the build-input hash the layer is cached under.
	Key string `json:"key"`
}

// TarballPath returns the on-disk location of the layer archive.
func (l Layer) TarballPath() string {
	return filepath.Join(LayersDir, l.Key+".tar.zst")
}

func (l Layer) recordPath() string {
	return filepath.Join(LayersDir, l.Key+".json")
}

// layerKey derives the cache key for a layer from everything that affects
// its content: the exact package archive and the prune policy. Two builds
// with identical inputs share a key and therefore a layer.
func layerKey(entry IndexEntry, pol *PrunePolicy, stripped bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s-%s-%s-%s\n", entry.Name, entry.Version, entry.Revision, entry.Arch)
	fmt.Fprintf(&b, "b3=%s\n", entry.B3Sum)
	fmt.Fprintf(&b, "strip=%v\n", stripped)
	for _, rule := range pol.Rules {
		fmt.Fprintf(&b, "prune=%s\n", rule.Pattern)
	}
	return hashString(b.String())[:32]
}

// loadLayerRecord returns the cached layer for key when both the record and
// the archive are present.
func loadLayerRecord(key string) (Layer, bool) {
	var l Layer
	data, err := os.ReadFile(filepath.Join(LayersDir, key+".json"))
	if err != nil {
		return l, false
	}
	if err := json.Unmarshal(data, &l); err != nil {
		debugf("Corrupt layer record for %s: %v\n", key, err)
		return l, false
	}
	if _, err := os.Stat(l.TarballPath()); err != nil {
		return l, false
	}
	return l, true
}

func saveLayerRecord(l Layer) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.recordPath(), data, 0o644)
}

// ListLayers returns every cached layer, newest first.
func ListLayers() ([]Layer, error) {
	matches, err := filepath.Glob(filepath.Join(LayersDir, "*.json"))
	if err != nil {
		return nil, err
	}
	var layers []Layer
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var l Layer
		if err := json.Unmarshal(data, &l); err != nil {
			continue
		}
		layers = append(layers, l)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Created.After(layers[j].Created) })
	return layers, nil
}

// findLayer locates a cached layer by digest prefix or package name.
func findLayer(ref string) (Layer, error) {
	layers, err := ListLayers()
	if err != nil {
		return Layer{}, err
	}
	for _, l := range layers {
		if l.Name == ref || strings.HasPrefix(l.Digest, ref) || l.Key == ref {
			return l, nil
		}
	}
	return Layer{}, fmt.Errorf("%w: %s", errLayerNotFound, ref)
}

// BuildOptions tunes a layer build.
type BuildOptions struct {
	Strip    bool
	RunHooks bool
	Quiet    bool
}

// buildLayer produces the layer for a resolved package entry: fetch, stage,
// run the package hook, prune, strip, pack. Cached layers are returned
// without rebuilding. The build log for the layer goes to logger.
func buildLayer(entry IndexEntry, pol *PrunePolicy, opts BuildOptions, buildExec *Executor, logger io.Writer) (Layer, error) {
	if logger == nil {
		logger = os.Stdout
	}

	key := layerKey(entry, pol, opts.Strip)
	if cached, ok := loadLayerRecord(key); ok {
		fmt.Fprint(logger, colArrow.Sprint("-> "))
		fmt.Fprintln(logger, colSuccess.Sprintf("Layer for %s %s is cached (%s)", entry.Name, entry.Version, shortDigest(cached.Digest)))
		return cached, nil
	}

	archivePath, err := fetchPackage(entry, opts.Quiet)
	if err != nil {
		return Layer{}, fmt.Errorf("failed to fetch %s: %w", entry.Name, err)
	}

	stageDir, err := os.MkdirTemp(workDir, "stage-"+entry.Name+"-")
	if err != nil {
		return Layer{}, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)
	metaDir := stageDir + ".meta"
	defer os.RemoveAll(metaDir)

	fmt.Fprint(logger, colArrow.Sprint("-> "))
	fmt.Fprintln(logger, colSuccess.Sprintf("Staging %s %s", entry.Name, entry.Version))
	if err := extractPackage(archivePath, stageDir, metaDir); err != nil {
		return Layer{}, fmt.Errorf("failed to extract %s: %w", entry.Name, err)
	}

	if opts.RunHooks {
		if err := runPackageHook(entry.Name, metaDir, stageDir, buildExec, logger); err != nil {
			return Layer{}, err
		}
	}

	report, err := pol.Apply(stageDir)
	if err != nil {
		return Layer{}, fmt.Errorf("prune failed for %s: %w", entry.Name, err)
	}
	if report.TotalBytes() > 0 {
		fmt.Fprint(logger, colArrow.Sprint("-> "))
		fmt.Fprintln(logger, colSuccess.Sprintf("Pruned build artifacts from %s", entry.Name))
		report.Print(logger)
	}

	if opts.Strip {
		if err := stripBinaries(stageDir, buildExec); err != nil {
			debugf("Warning: strip pass failed for %s: %v\n", entry.Name, err)
		}
	}

	layer := Layer{
		Name:     entry.Name,
		Version:  entry.Version,
		Revision: entry.Revision,
		Created:  time.Now().UTC(),
		Key:      key,
	}

	digest, size, err := createLayerTarball(stageDir, layer.TarballPath())
	if err != nil {
		return Layer{}, fmt.Errorf("failed to pack layer for %s: %w", entry.Name, err)
	}
	layer.Digest = digest
	layer.Size = size

	if err := saveLayerRecord(layer); err != nil {
		return Layer{}, fmt.Errorf("failed to record layer for %s: %w", entry.Name, err)
	}

	fmt.Fprint(logger, colArrow.Sprint("-> "))
	fmt.Fprintln(logger, colSuccess.Sprintf("Layer %s built (%s, %s)", entry.Name, shortDigest(digest), formatSize(size)))
	return layer, nil
}

// runPackageHook executes the package's install hook, if any, with the
// staging root exported. Hooks run unprivileged through the executor.
func runPackageHook(pkgName, metaDir, stageDir string, buildExec *Executor, logger io.Writer) error {
	hookPath := filepath.Join(metaDir, "hook")
	if _, err := os.Stat(hookPath); err != nil {
		return nil
	}

	fmt.Fprint(logger, colArrow.Sprint("-> "))
	fmt.Fprintln(logger, colSuccess.Sprintf("Running install hook for %s", pkgName))

	cmd := exec.Command("/bin/sh", hookPath)
	cmd.Dir = stageDir
	cmd.Env = append(os.Environ(),
		"ENVFORGE_STAGING="+stageDir,
		"ENVFORGE_PACKAGE="+pkgName,
	)
	cmd.Stdout = logger
	cmd.Stderr = logger
	if err := buildExec.Run(cmd); err != nil {
		return fmt.Errorf("install hook for %s failed: %w", pkgName, err)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// compressBuildLog xz-compresses a finished build log into LogsDir and
// removes the plain-text original.
func compressBuildLog(name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	destPath := filepath.Join(LogsDir, name+".log.xz")
	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xw, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(xw, src); err != nil {
		xw.Close()
		return err
	}
	if err := xw.Close(); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

// readBuildLog decompresses a stored build log.
func readBuildLog(name string) (string, error) {
	f, err := os.Open(filepath.Join(LogsDir, name+".log.xz"))
	if err != nil {
		return "", err
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(xr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
