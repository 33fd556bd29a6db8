package envforge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func TestPrunePolicyMatch(t *testing.T) {
	pol, err := NewPrunePolicy(nil, false)
	require.NoError(t, err)

	for _, path := range []string{
		"usr/lib/python3.12/site-packages/numpy/__pycache__/core.cpython-312.pyc",
		"usr/lib/libfoo.a",
		"usr/share/man/man1/python.1",
		"usr/share/doc/zlib/README",
		"usr/lib/libasan.so.8",
	} {
		_, ok := pol.Match(path)
		assert.True(t, ok, "expected %s to match", path)
	}

	for _, path := range []string{
		"usr/lib/libz.so.1",
		"usr/bin/python3",
		"usr/include/zlib.h",
	} {
		_, ok := pol.Match(path)
		assert.False(t, ok, "expected %s not to match", path)
	}
}

func TestPrunePolicyRuntimeOnly(t *testing.T) {
	pol, err := NewPrunePolicy(nil, true)
	require.NoError(t, err)

	_, ok := pol.Match("usr/include/zlib.h")
	assert.True(t, ok)
	_, ok = pol.Match("usr/lib/pkgconfig/zlib.pc")
	assert.True(t, ok)
}

func TestPrunePolicyManifestExtras(t *testing.T) {
	pol, err := NewPrunePolicy([]string{"**/tests/**"}, false)
	require.NoError(t, err)

	rule, ok := pol.Match("usr/lib/python3.12/site-packages/numpy/tests/test_core.py")
	require.True(t, ok)
	assert.Equal(t, "manifest-1", rule.Name)
}

func TestPrunePolicyRejectsInvalidPattern(t *testing.T) {
	_, err := NewPrunePolicy([]string{"[unclosed"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid prune pattern")
}

func TestPrunePolicyApply(t *testing.T) {
	root := stageTree(t, map[string]string{
		"usr/bin/python3":                         "elf",
		"usr/lib/libz.so.1":                       "elf",
		"usr/lib/libfoo.a":                        "static",
		"usr/lib/python3.12/__pycache__/m.pyc":    "bytecode",
		"usr/share/man/man1/python.1":             "manpage",
		"usr/share/doc/zlib/README":               "docs",
		"usr/lib/python3.12/site-packages/ok.py":  "code",
	})

	pol, err := NewPrunePolicy(nil, false)
	require.NoError(t, err)
	report, err := pol.Apply(root)
	require.NoError(t, err)

	assert.Positive(t, report.TotalBytes())
	assert.NoFileExists(t, filepath.Join(root, "usr/lib/libfoo.a"))
	assert.NoDirExists(t, filepath.Join(root, "usr/lib/python3.12/__pycache__"))
	assert.NoFileExists(t, filepath.Join(root, "usr/share/man/man1/python.1"))
	assert.FileExists(t, filepath.Join(root, "usr/bin/python3"))
	assert.FileExists(t, filepath.Join(root, "usr/lib/python3.12/site-packages/ok.py"))

	// Second pass finds nothing left.
	again, err := pol.Apply(root)
	require.NoError(t, err)
	assert.Zero(t, again.TotalBytes())
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.0 KiB", formatSize(1024))
	assert.Equal(t, "2.5 MiB", formatSize(5<<20/2))
	assert.Equal(t, "1.0 GiB", formatSize(1<<30))
}

func TestIsELF(t *testing.T) {
	dir := t.TempDir()
	elf := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(elf, []byte{0x7f, 'E', 'L', 'F', 0, 0}, 0o755))
	text := filepath.Join(dir, "script")
	require.NoError(t, os.WriteFile(text, []byte("#!/bin/sh\n"), 0o755))

	assert.True(t, isELF(elf))
	assert.False(t, isELF(text))
	assert.False(t, isELF(filepath.Join(dir, "missing")))
}
