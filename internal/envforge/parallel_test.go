package envforge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolutionOf(t *testing.T, entries []IndexEntry, roots ...string) *Resolution {
	t.Helper()
	idx := NewChannelIndex(entries)
	var specs []DepSpec
	for _, r := range roots {
		specs = append(specs, DepSpec{Name: r})
	}
	res, err := Resolve(specs, idx, ResolveOptions{})
	require.NoError(t, err)
	return res
}

func TestDependencyLevels(t *testing.T) {
	res := resolutionOf(t, []IndexEntry{
		entry("app", "1.0", "libfoo", "libbar"),
		entry("libfoo", "1.0", "libc"),
		entry("libbar", "1.0", "libc"),
		entry("libc", "1.0"),
	}, "app")

	waves := dependencyLevels(res)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"libc"}, waves[0])
	assert.Equal(t, []string{"libbar", "libfoo"}, waves[1])
	assert.Equal(t, []string{"app"}, waves[2])
}

func TestDependencyLevelsIndependentPackages(t *testing.T) {
	res := resolutionOf(t, []IndexEntry{
		entry("a", "1.0"),
		entry("b", "1.0"),
		entry("c", "1.0"),
	}, "a", "b", "c")

	waves := dependencyLevels(res)
	require.Len(t, waves, 1)
	assert.Equal(t, []string{"a", "b", "c"}, waves[0])
}

func TestLayerManagerBuildOne(t *testing.T) {
	initTestDirs(t)

	res := resolutionOf(t, []IndexEntry{entry("zlib", "1.3.1")}, "zlib")
	pol := testPolicy(t)

	var mu sync.Mutex
	var built []string
	lm := &LayerManager{
		MaxJobs:    2,
		Resolution: res,
		Policy:     pol,
		Options:    BuildOptions{},
		Context:    context.Background(),
		Built:      make(map[string]Layer),
		Failed:     make(map[string]error),
		Builder: func(e IndexEntry, _ *PrunePolicy, opts BuildOptions, _ *Executor, log io.Writer) (Layer, error) {
			assert.True(t, opts.Quiet, "worker builds must not draw progress bars")
			fmt.Fprintf(log, "building %s\n", e.Name)
			mu.Lock()
			built = append(built, e.Name)
			mu.Unlock()
			return Layer{Name: e.Name, Version: e.Version, Digest: hashString(e.Name), Key: "k-" + e.Name}, nil
		},
	}

	layer, err := lm.buildOne("zlib")
	require.NoError(t, err)
	assert.Equal(t, "zlib", layer.Name)
	assert.Equal(t, []string{"zlib"}, built)

	// The worker log was compressed into the log store.
	content, err := readBuildLog("zlib")
	require.NoError(t, err)
	assert.Contains(t, content, "building zlib")
}

func TestLayerManagerBuildOneFailure(t *testing.T) {
	initTestDirs(t)

	res := resolutionOf(t, []IndexEntry{entry("broken", "1.0")}, "broken")
	lm := &LayerManager{
		Resolution: res,
		Policy:     testPolicy(t),
		Context:    context.Background(),
		Built:      make(map[string]Layer),
		Failed:     make(map[string]error),
		Builder: func(e IndexEntry, _ *PrunePolicy, _ BuildOptions, _ *Executor, _ io.Writer) (Layer, error) {
			return Layer{}, fmt.Errorf("synthetic failure for %s", e.Name)
		},
	}

	_, err := lm.buildOne("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthetic failure")
}
