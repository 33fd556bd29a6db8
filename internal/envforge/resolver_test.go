package envforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name, version string, deps ...string) IndexEntry {
	return IndexEntry{
		Name:     name,
		Version:  version,
		Revision: "1",
		Arch:     "x86_64",
		Depends:  deps,
	}
}

func indexOf(entries ...IndexEntry) *ChannelIndex {
	return NewChannelIndex(entries)
}

func TestParseDepToken(t *testing.T) {
	name, op, ver, optional, _, makeDep := parseDepToken("python>=3.11")
	assert.Equal(t, "python", name)
	assert.Equal(t, ">=", op)
	assert.Equal(t, "3.11", ver)
	assert.False(t, optional)
	assert.False(t, makeDep)

	name, op, ver, optional, _, makeDep = parseDepToken("cmake make")
	assert.Equal(t, "cmake", name)
	assert.Empty(t, op)
	assert.Empty(t, ver)
	assert.True(t, makeDep)

	name, _, _, optional, _, _ = parseDepToken("cuda optional")
	assert.Equal(t, "cuda", name)
	assert.True(t, optional)
}

func TestParseDepSpecsAlternatives(t *testing.T) {
	specs, err := parseDepSpecs([]string{
		"# build deps",
		"",
		"mesa | swiftshader",
		"zlib",
	})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, []string{"mesa", "swiftshader"}, specs[0].Alternatives)
	assert.Equal(t, "zlib", specs[1].Name)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("3.9", "3.11"))
	assert.Equal(t, 1, compareVersions("3.11.1", "3.11"))
	assert.Equal(t, 0, compareVersions("1.2.0", "1.2"))
	assert.Equal(t, -1, compareVersions("1.2a", "1.2b"))
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	idx := indexOf(
		entry("numpy", "2.1.0", "python", "openblas"),
		entry("python", "3.12.1", "zlib"),
		entry("openblas", "0.3.28"),
		entry("zlib", "1.3.1"),
	)

	res, err := Resolve([]DepSpec{{Name: "numpy"}}, idx, ResolveOptions{})
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, name := range res.Order {
		pos[name] = i
	}
	require.Len(t, res.Order, 4)
	assert.Less(t, pos["zlib"], pos["python"])
	assert.Less(t, pos["python"], pos["numpy"])
	assert.Less(t, pos["openblas"], pos["numpy"])
}

func TestResolveIsDeterministic(t *testing.T) {
	idx := indexOf(
		entry("app", "1.0", "libb", "liba"),
		entry("liba", "1.0"),
		entry("libb", "1.0"),
	)

	first, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		res, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
		require.NoError(t, err)
		assert.Equal(t, first.Order, res.Order)
	}
}

func TestResolveHonorsConstraints(t *testing.T) {
	idx := NewChannelIndex([]IndexEntry{
		entry("python", "3.12.1"),
		entry("python", "3.11.9"),
		entry("app", "1.0", "python<3.12"),
	})

	res, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "3.11.9", res.Selected["python"].Version)
}

func TestResolveConflictingConstraintsFail(t *testing.T) {
	idx := NewChannelIndex([]IndexEntry{
		entry("python", "3.12.1"),
		entry("a", "1.0", "python>=3.12"),
		entry("b", "1.0", "python<3.12"),
	})

	_, err := Resolve([]DepSpec{{Name: "a"}, {Name: "b"}}, idx, ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no version of python satisfies")
}

func TestResolveMissingPackage(t *testing.T) {
	idx := indexOf(entry("app", "1.0", "ghost"))

	_, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
	require.ErrorIs(t, err, errPackageNotFound)
}

func TestResolveSkipsMissingOptional(t *testing.T) {
	idx := indexOf(entry("app", "1.0", "cuda optional"))

	res, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, res.Order)
	assert.Contains(t, res.Skipped, "cuda")
}

func TestResolveSkipsMakeDeps(t *testing.T) {
	idx := indexOf(
		entry("app", "1.0", "cmake make", "zlib"),
		entry("cmake", "3.30"),
		entry("zlib", "1.3.1"),
	)

	res, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{SkipMakeDeps: true})
	require.NoError(t, err)
	assert.NotContains(t, res.Selected, "cmake")
	assert.Contains(t, res.Selected, "zlib")

	res, err = Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Selected, "cmake")
}

func TestResolvePicksAvailableAlternative(t *testing.T) {
	idx := indexOf(
		entry("app", "1.0", "mesa | swiftshader"),
		entry("swiftshader", "5.0"),
	)

	res, err := Resolve([]DepSpec{{Name: "app"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Selected, "swiftshader")
	assert.NotContains(t, res.Selected, "mesa")
}

func TestResolveDropsReplacedVersionDeps(t *testing.T) {
	// wants-any pulls in app 1.0 (and its libnew dependency) before
	// wants-old tightens the constraint down to app 0.9. The dependency
	// only 1.0 needed must not survive the downgrade.
	idx := NewChannelIndex([]IndexEntry{
		entry("app", "1.0", "libnew"),
		entry("app", "0.9", "libold"),
		entry("libnew", "1.0"),
		entry("libold", "1.0"),
		entry("wants-any", "1.0", "app"),
		entry("wants-old", "1.0", "app<1.0"),
	})

	res, err := Resolve([]DepSpec{{Name: "wants-any"}, {Name: "wants-old"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0.9", res.Selected["app"].Version)
	assert.Contains(t, res.Selected, "libold")
	assert.NotContains(t, res.Selected, "libnew")
	assert.NotContains(t, res.Order, "libnew")
}

func TestResolveToleratesDependencyCycle(t *testing.T) {
	idx := indexOf(
		entry("a", "1.0", "b"),
		entry("b", "1.0", "a"),
	)

	res, err := Resolve([]DepSpec{{Name: "a"}}, idx, ResolveOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Order)
}
