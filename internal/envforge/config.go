package envforge

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values       map[string]string
	DefaultStrip bool
	RuntimeOnly  bool
}

// Load /etc/envforge.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge ENVFORGE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge ENVFORGE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "ENVFORGE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	CacheDir = cfg.Values["ENVFORGE_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/envforge"
	}

	Debug = cfg.Values["ENVFORGE_DEBUG"] == "1"
	Verbose = cfg.Values["ENVFORGE_VERBOSE"] == "1"

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	cfg.DefaultStrip = true
	if cfg.Values["ENVFORGE_STRIP"] == "0" {
		cfg.DefaultStrip = false
	}

	cfg.RuntimeOnly = cfg.Values["ENVFORGE_RUNTIME_ONLY"] == "1"

	MaxJobs = runtime.GOMAXPROCS(0)
	if j := cfg.Values["ENVFORGE_JOBS"]; j != "" {
		if n, err := strconv.Atoi(j); err == nil && n > 0 {
			MaxJobs = n
		}
	}

	// Package archive mirror, substituted into channel download URLs
	if mirror, exists := cfg.Values["ENVFORGE_MIRROR"]; exists && mirror != "" {
		mirrorURL = strings.TrimRight(mirror, "/")
		debugf("=> Using package mirror: %s\n", mirrorURL)
	}

	PackagesDir = filepath.Join(CacheDir, "packages")
	LayersDir = filepath.Join(CacheDir, "layers")
	ChannelsDir = filepath.Join(CacheDir, "channels")
	LogsDir = filepath.Join(CacheDir, "logs")
	workDir = filepath.Join(tmpDir, "envforge")
}

// ensureCacheDirs creates the cache layout if missing.
func ensureCacheDirs() error {
	for _, d := range []string{CacheDir, PackagesDir, LayersDir, ChannelsDir, LogsDir, workDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
