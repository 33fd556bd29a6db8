package envforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// LayerManager handles the execution of parallel layer builds.
type LayerManager struct {
	MaxJobs    int
	Resolution *Resolution
	Policy     *PrunePolicy
	Options    BuildOptions
	Context    context.Context

	// State
	mu     sync.Mutex
	Built  map[string]Layer
	Failed map[string]error

	// Dep injection for testing
	Builder func(IndexEntry, *PrunePolicy, BuildOptions, *Executor, io.Writer) (Layer, error)
}

// dependencyLevels groups the install order into waves: every package in a
// wave depends only on packages from earlier waves, so a wave can build
// concurrently.
func dependencyLevels(res *Resolution) [][]string {
	level := make(map[string]int)

	depsOf := func(name string) []string {
		entry := res.Selected[name]
		specs, err := parseDepSpecs(entry.Depends)
		if err != nil {
			return nil
		}
		var deps []string
		for _, d := range specs {
			depName := d.Name
			if len(d.Alternatives) > 0 {
				for _, alt := range d.Alternatives {
					if _, ok := res.Selected[alt]; ok {
						depName = alt
						break
					}
				}
			}
			if _, ok := res.Selected[depName]; ok && depName != name {
				deps = append(deps, depName)
			}
		}
		return deps
	}

	// res.Order is topologically sorted, so a single forward pass settles
	// every level.
	maxLevel := 0
	for _, name := range res.Order {
		lv := 0
		for _, dep := range depsOf(name) {
			if level[dep]+1 > lv {
				lv = level[dep] + 1
			}
		}
		level[name] = lv
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	waves := make([][]string, maxLevel+1)
	for _, name := range res.Order {
		waves[level[name]] = append(waves[level[name]], name)
	}
	for i := range waves {
		sort.Strings(waves[i])
	}
	return waves
}

// RunParallelLayerBuilds executes the resolution as parallel layer builds,
// wave by wave. Each layer logs to its own file under the work directory;
// finished logs are xz-compressed into LogsDir. Returns the layers in
// install order.
func RunParallelLayerBuilds(ctx context.Context, res *Resolution, pol *PrunePolicy, opts BuildOptions, maxJobs int) ([]Layer, error) {
	if maxJobs < 1 {
		maxJobs = 1
	}

	lm := &LayerManager{
		MaxJobs:    maxJobs,
		Resolution: res,
		Policy:     pol,
		Options:    opts,
		Context:    ctx,
		Built:      make(map[string]Layer),
		Failed:     make(map[string]error),
		Builder:    buildLayer,
	}

	// Layer builds run non-interactively so a stray prompt can never stall
	// a background worker.
	oldUserInt := UserExec.Interactive
	UserExec.Interactive = false
	defer func() { UserExec.Interactive = oldUserInt }()

	start := time.Now()
	waves := dependencyLevels(res)
	for _, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxJobs)

		for _, name := range wave {
			name := name
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				layer, err := lm.buildOne(name)
				lm.mu.Lock()
				if err != nil {
					lm.Failed[name] = err
				} else {
					lm.Built[name] = layer
				}
				lm.mu.Unlock()
				return err
			})
		}

		if err := g.Wait(); err != nil {
			lm.printFailures()
			return nil, fmt.Errorf("layer builds failed: %w", err)
		}
	}

	layers := make([]Layer, 0, len(res.Order))
	for _, name := range res.Order {
		layers = append(layers, lm.Built[name])
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Built %d layers in %s\n", len(layers), time.Since(start).Round(time.Second))
	return layers, nil
}

func (lm *LayerManager) buildOne(name string) (Layer, error) {
	entry := lm.Resolution.Selected[name]

	logPath := filepath.Join(workDir, name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return Layer{}, fmt.Errorf("failed to create build log for %s: %w", name, err)
	}

	opts := lm.Options
	opts.Quiet = true // progress bars interleave badly across workers

	layer, buildErr := lm.Builder(entry, lm.Policy, opts, UserExec, logFile)
	logFile.Close()

	if err := compressBuildLog(name, logPath); err != nil {
		debugf("Warning: failed to store build log for %s: %v\n", name, err)
	}

	if buildErr != nil {
		return Layer{}, buildErr
	}

	colArrow.Print("-> ")
	colSuccess.Printf("%-24s %s  %s\n", name+"-"+entry.Version, shortDigest(layer.Digest), formatSize(layer.Size))
	return layer, nil
}

func (lm *LayerManager) printFailures() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.Failed) == 0 {
		return
	}
	colArrow.Print("-> ")
	colError.Println("Failed layers:")
	names := make([]string, 0, len(lm.Failed))
	for name := range lm.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  - %-20s: %v\n", name, lm.Failed[name])
	}
}
