package envforge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// PruneRule removes build-only artifacts from a staged tree. Patterns match
// against slash-separated paths relative to the staging root.
type PruneRule struct {
	Name    string
	Pattern string

	matcher glob.Glob
}

// PruneReport summarizes what a policy removed.
type PruneReport struct {
	Removed map[string]int   // rule name -> file count
	Bytes   map[string]int64 // rule name -> bytes reclaimed
}

func (r PruneReport) TotalBytes() int64 {
	var total int64
	for _, b := range r.Bytes {
		total += b
	}
	return total
}

// PrunePolicy is an ordered set of prune rules.
type PrunePolicy struct {
	Rules []PruneRule
}

// defaultPruneRules are the build artifacts no runtime environment needs:
// bytecode caches, static archives, documentation trees, and the debug
// sanitizer libraries shipped by compiler packages.
func defaultPruneRules() []PruneRule {
	return []PruneRule{
		{Name: "bytecode-cache", Pattern: "**/__pycache__/**"},
		{Name: "bytecode-cache-dir", Pattern: "**/__pycache__"},
		{Name: "bytecode-files", Pattern: "**/*.pyc"},
		{Name: "static-libs", Pattern: "**/*.a"},
		{Name: "libtool-files", Pattern: "**/*.la"},
		{Name: "docs", Pattern: "**/share/doc/**"},
		{Name: "man-pages", Pattern: "**/share/man/**"},
		{Name: "gtk-docs", Pattern: "**/share/gtk-doc/**"},
		{Name: "sanitizer-libs", Pattern: "**/lib*san*.so*"},
	}
}

// runtimeOnlyRules additionally drop headers when the manifest asks for a
// pure runtime image.
func runtimeOnlyRules() []PruneRule {
	return []PruneRule{
		{Name: "headers", Pattern: "**/include/**"},
		{Name: "pkgconfig", Pattern: "**/lib/pkgconfig/**"},
	}
}

// NewPrunePolicy compiles the default rules plus manifest extras. An invalid
// extra pattern fails policy construction rather than silently matching nothing.
func NewPrunePolicy(extra []string, runtimeOnly bool) (*PrunePolicy, error) {
	rules := defaultPruneRules()
	if runtimeOnly {
		rules = append(rules, runtimeOnlyRules()...)
	}
	for i, pattern := range extra {
		rules = append(rules, PruneRule{
			Name:    fmt.Sprintf("manifest-%d", i+1),
			Pattern: pattern,
		})
	}

	for i := range rules {
		m, err := glob.Compile(rules[i].Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid prune pattern %q: %w", rules[i].Pattern, err)
		}
		rules[i].matcher = m
	}
	return &PrunePolicy{Rules: rules}, nil
}

// Match returns the first rule matching the given root-relative path.
func (p *PrunePolicy) Match(rel string) (PruneRule, bool) {
	rel = filepath.ToSlash(rel)
	for _, rule := range p.Rules {
		if rule.matcher.Match(rel) {
			return rule, true
		}
	}
	return PruneRule{}, false
}

// Apply walks stagingDir and deletes everything the policy matches.
// Directories matched by a rule are removed whole. Returns a per-rule report.
func (p *PrunePolicy) Apply(stagingDir string) (PruneReport, error) {
	report := PruneReport{
		Removed: make(map[string]int),
		Bytes:   make(map[string]int64),
	}

	var doomed []string
	ruleFor := make(map[string]PruneRule)

	err := filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == stagingDir {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		rule, ok := p.Match(rel)
		if !ok {
			return nil
		}
		doomed = append(doomed, path)
		ruleFor[path] = rule
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("prune walk failed: %w", err)
	}

	for _, path := range doomed {
		rule := ruleFor[path]
		files, bytes := countTree(path)
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("failed to prune %s: %w", path, err)
		}
		report.Removed[rule.Name] += files
		report.Bytes[rule.Name] += bytes
	}

	return report, nil
}

// Print writes a human-readable summary of the prune pass.
func (r PruneReport) Print(w io.Writer) {
	if len(r.Removed) == 0 {
		fmt.Fprintln(w, "Nothing to prune")
		return
	}
	names := make([]string, 0, len(r.Removed))
	for name := range r.Removed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %6d files  %s\n", name, r.Removed[name], formatSize(r.Bytes[name]))
	}
	fmt.Fprintf(w, "  reclaimed %s\n", formatSize(r.TotalBytes()))
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func countTree(path string) (int, int64) {
	var files int
	var bytes int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes
}

// isELF reports whether the file starts with the ELF magic.
func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic[0] == 0x7f && magic[1] == 'E' && magic[2] == 'L' && magic[3] == 'F'
}

// stripBinaries strips ELF executables under stagingDir in parallel.
// Individual failures are warnings: a binary that cannot be stripped still
// works, so the build never fails here.
func stripBinaries(stagingDir string, buildExec *Executor) error {
	if _, err := exec.LookPath("strip"); err != nil {
		debugf("strip not found, skipping binary strip\n")
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Stripping executables in parallel")

	var candidates []string
	err := filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() || info.Mode()&0o111 == 0 {
			return nil
		}
		if strings.HasSuffix(path, ".o") {
			return nil
		}
		if isELF(path) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to discover stripable files: %w", err)
	}

	if len(candidates) == 0 {
		debugf("-> No stripable ELF files found.\n")
		return nil
	}

	maxConcurrency := runtime.GOMAXPROCS(0) * 4
	if maxConcurrency < 8 {
		maxConcurrency = 8
	}
	concurrencyLimit := make(chan struct{}, maxConcurrency)

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failedFiles []string

	for _, path := range candidates {
		wg.Add(1)
		concurrencyLimit <- struct{}{}
		p := path

		go func(p string) {
			defer wg.Done()
			defer func() { <-concurrencyLimit }()

			var stderrWriter io.Writer = os.Stderr
			if !Debug && !Verbose {
				stderrWriter = io.Discard
			}

			debugf("  -> Stripping %s\n", p)
			stripCmd := exec.Command("strip", p)
			stripCmd.Stderr = stderrWriter
			if err := buildExec.Run(stripCmd); err != nil {
				debugf("Warning: failed to strip %s: %v. Continuing with other files.\n", p, err)
				failedMu.Lock()
				failedFiles = append(failedFiles, p)
				failedMu.Unlock()
			}
		}(p)
	}

	wg.Wait()

	if len(failedFiles) > 0 {
		debugf("Warning: some files failed to be stripped (%d). Continuing.\n", len(failedFiles))
	}

	return nil
}
