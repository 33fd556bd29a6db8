package envforge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: envforge <command> [arguments]")
	colSuccess.Println("Run 'envforge <command>' for advanced options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"log", "[name]", "Show a stored build log, or open the TUI viewer"},
		{"list, ls", "[name]", "List built layers, optionally filter by package name"},
		{"build, b", "[options] <manifest>", "Resolve, build and assemble an environment image"},
		{"resolve", "[options] <manifest>", "Show the resolved package set and install order"},
		{"fetch", "[options] <manifest>", "Download all resolved package archives"},
		{"index", "<dir>", "Generate index.json for a directory of packages"},
		{"prune", "[options] <dir>", "Apply the prune policy to a directory tree"},
		{"assemble", "[options] <manifest>", "Assemble an image from already-built layers"},
		{"verify", "<manifest> <image-dir>", "Verify an assembled image layout"},
		{"push", "[layer...]", "Upload built layers to the remote cache"},
		{"pull", "<key...>", "Download layers from the remote cache"},
		{"cleanup", "[options]", "Cleanup caches"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}

	fmt.Println()
}

// Main is the CLI entrypoint for cmd/envforge.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// Critical phase: block the first signal, force exit
					// on the second.
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress (e.g., assembly). Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()

					// Give the command a moment to die and flush its buffers
					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", ConfigFile, err)
	}
	initConfig(cfg)
	if err := ensureCacheDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create cache directories: %v\n", err)
		os.Exit(1)
	}

	UserExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: false,
		Interactive:     true,
	}
	RootExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: true,
		Interactive:     true,
	}

	var exitCode int

	switch os.Args[1] {
	case "build", "b":
		if err := handleBuildCommand(ctx, os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
			os.Exit(1)
		}

	case "resolve":
		if err := handleResolveCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Resolve failed: %v\n", err)
			os.Exit(1)
		}

	case "fetch":
		if err := handleFetchCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Fetch failed: %v\n", err)
			os.Exit(1)
		}

	case "index":
		if err := handleIndexCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Index generation failed: %v\n", err)
			os.Exit(1)
		}

	case "prune":
		if err := handlePruneCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
			os.Exit(1)
		}

	case "assemble":
		if err := handleAssembleCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Assemble failed: %v\n", err)
			os.Exit(1)
		}

	case "verify":
		if len(os.Args) < 4 {
			fmt.Println("Usage: envforge verify <manifest> <image-dir>")
			os.Exit(1)
		}
		if err := handleVerifyCommand(os.Args[2], os.Args[3], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(1)
		}
		colArrow.Print("-> ")
		colSuccess.Println("Image verified.")

	case "push":
		if err := handlePushCommand(ctx, os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Push failed: %v\n", err)
			os.Exit(1)
		}

	case "pull":
		if err := handlePullCommand(ctx, os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Pull failed: %v\n", err)
			os.Exit(1)
		}

	case "list", "ls":
		filter := ""
		if len(os.Args) >= 3 {
			filter = os.Args[2]
		}
		if err := listLayers(filter); err != nil {
			if errors.Is(err, errLayerNotFound) {
				exitCode = 1
			} else {
				fmt.Fprintln(os.Stderr, "Error:", err)
				exitCode = 1
			}
		}

	case "log":
		if len(os.Args) >= 3 {
			content, err := readBuildLog(os.Args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "No build log found for %s\n", os.Args[2])
				os.Exit(1)
			}
			fmt.Print(content)
		} else {
			exitCode = runLogViewer()
		}

	case "cleanup":
		if err := handleCleanupCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "--version":
		colNote.Printf("envforge %s (%s) built %s\n", version, arch, buildDate)

	case "help", "-h", "--help":
		printHelp()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	os.Exit(exitCode)
}

// resolveManifest loads a manifest and resolves its package set against the
// merged channel indexes.
func resolveManifest(path string, withExtras, withMakeDeps, refresh bool) (*Manifest, *Resolution, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, nil, err
	}
	idx, err := loadChannels(m, refresh)
	if err != nil {
		return nil, nil, err
	}
	requested, err := m.Requested(withExtras)
	if err != nil {
		return nil, nil, err
	}
	res, err := Resolve(requested, idx, ResolveOptions{SkipMakeDeps: !withMakeDeps})
	if err != nil {
		return nil, nil, err
	}
	return m, res, nil
}

func manifestArg(fs *flag.FlagSet, command string) (string, error) {
	if fs.NArg() < 1 {
		return "", fmt.Errorf("usage: envforge %s [options] <manifest>", command)
	}
	return fs.Arg(0), nil
}

func handleBuildCommand(ctx context.Context, args []string, cfg *Config) error {
	buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := buildCmd.String("o", "", "Output directory for the assembled image (default: <name>-image).")
	jobs := buildCmd.Int("jobs", MaxJobs, "Maximum concurrent layer builds.")
	extras := buildCmd.Bool("extras", false, "Also install the manifest's optional extras.")
	noStrip := buildCmd.Bool("no-strip", false, "Skip stripping ELF executables.")
	hooks := buildCmd.Bool("hooks", true, "Run package install hooks while staging.")
	refresh := buildCmd.Bool("refresh", false, "Re-download channel indexes before resolving.")
	if err := buildCmd.Parse(args); err != nil {
		return err
	}
	path, err := manifestArg(buildCmd, "build")
	if err != nil {
		return err
	}

	m, res, err := resolveManifest(path, *extras, false, *refresh)
	if err != nil {
		return err
	}
	printResolution(m, res)

	pol, err := NewPrunePolicy(m.Prune, m.RuntimeOnly || cfg.RuntimeOnly)
	if err != nil {
		return err
	}

	prefetchPackages(res)

	opts := BuildOptions{
		Strip:    cfg.DefaultStrip && !*noStrip,
		RunHooks: *hooks,
	}
	layers, err := RunParallelLayerBuilds(ctx, res, pol, opts, *jobs)
	if err != nil {
		return err
	}

	dest := *outDir
	if dest == "" {
		dest = m.Name + "-image"
	}

	// Assembly must not be torn in half by a stray Ctrl+C.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if _, err := AssembleImage(dest, m, layers); err != nil {
		return err
	}
	return VerifyImage(dest, m, nil)
}

func handleResolveCommand(args []string) error {
	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	extras := resolveCmd.Bool("extras", false, "Also resolve the manifest's optional extras.")
	makeDeps := resolveCmd.Bool("make", false, "Include make-only dependencies.")
	refresh := resolveCmd.Bool("refresh", false, "Re-download channel indexes before resolving.")
	if err := resolveCmd.Parse(args); err != nil {
		return err
	}
	path, err := manifestArg(resolveCmd, "resolve")
	if err != nil {
		return err
	}

	m, res, err := resolveManifest(path, *extras, *makeDeps, *refresh)
	if err != nil {
		return err
	}
	printResolution(m, res)
	return nil
}

func printResolution(m *Manifest, res *Resolution) {
	colArrow.Print("-> ")
	colSuccess.Printf("Resolved %s: %d packages\n", m.Name, len(res.Order))
	for _, name := range res.Order {
		entry := res.Selected[name]
		fmt.Printf("  %-28s %s-%s  (%s)\n", name, entry.Version, entry.Revision, entry.Channel)
	}
	if len(res.Skipped) > 0 {
		colArrow.Print("-> ")
		cPrintln(colWarn, "Skipped optional packages:")
		for name, reason := range res.Skipped {
			fmt.Printf("  %-28s %s\n", name, reason)
		}
	}
}

func handleFetchCommand(args []string) error {
	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	extras := fetchCmd.Bool("extras", false, "Also fetch the manifest's optional extras.")
	refresh := fetchCmd.Bool("refresh", false, "Re-download channel indexes before resolving.")
	if err := fetchCmd.Parse(args); err != nil {
		return err
	}
	path, err := manifestArg(fetchCmd, "fetch")
	if err != nil {
		return err
	}

	_, res, err := resolveManifest(path, *extras, false, *refresh)
	if err != nil {
		return err
	}
	for _, name := range res.Order {
		if _, err := fetchPackage(res.Selected[name], false); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", name, err)
		}
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Fetched %d packages into %s\n", len(res.Order), PackagesDir)
	return nil
}

func handleIndexCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: envforge index <dir>")
	}
	dir := args[0]
	entries, err := GenerateIndex(dir)
	if err != nil {
		return err
	}
	indexPath := dir + "/index.json"
	if err := SaveIndex(indexPath, entries); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Indexed %d packages into %s\n", len(entries), indexPath)
	return nil
}

func handlePruneCommand(args []string, cfg *Config) error {
	pruneCmd := flag.NewFlagSet("prune", flag.ExitOnError)
	runtimeOnly := pruneCmd.Bool("runtime-only", false, "Also drop headers and pkgconfig files.")
	if err := pruneCmd.Parse(args); err != nil {
		return err
	}
	if pruneCmd.NArg() < 1 {
		return fmt.Errorf("usage: envforge prune [options] <dir>")
	}
	dir := pruneCmd.Arg(0)

	pol, err := NewPrunePolicy(nil, *runtimeOnly || cfg.RuntimeOnly)
	if err != nil {
		return err
	}
	report, err := pol.Apply(dir)
	if err != nil {
		return err
	}
	report.Print(os.Stdout)
	return nil
}

func handleAssembleCommand(args []string, cfg *Config) error {
	assembleCmd := flag.NewFlagSet("assemble", flag.ExitOnError)
	outDir := assembleCmd.String("o", "", "Output directory for the assembled image (default: <name>-image).")
	extras := assembleCmd.Bool("extras", false, "Include the manifest's optional extras.")
	noStrip := assembleCmd.Bool("no-strip", false, "Look up layers built without ELF stripping.")
	if err := assembleCmd.Parse(args); err != nil {
		return err
	}
	path, err := manifestArg(assembleCmd, "assemble")
	if err != nil {
		return err
	}

	m, res, err := resolveManifest(path, *extras, false, false)
	if err != nil {
		return err
	}
	pol, err := NewPrunePolicy(m.Prune, m.RuntimeOnly || cfg.RuntimeOnly)
	if err != nil {
		return err
	}

	// Assembly reuses cached layers only; a missing layer means the build
	// step was skipped. The strip flag must match the one used at build time
	// or the key lookup misses.
	stripped := cfg.DefaultStrip && !*noStrip
	var layers []Layer
	for _, name := range res.Order {
		entry := res.Selected[name]
		key := layerKey(entry, pol, stripped)
		l, ok := loadLayerRecord(key)
		if !ok {
			return fmt.Errorf("%w: no built layer for %s %s, run 'envforge build' first", errLayerNotFound, name, entry.Version)
		}
		layers = append(layers, l)
	}

	dest := *outDir
	if dest == "" {
		dest = m.Name + "-image"
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	_, err = AssembleImage(dest, m, layers)
	return err
}

func handleVerifyCommand(manifestPath, imageDir string, cfg *Config) error {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	pol, err := NewPrunePolicy(m.Prune, m.RuntimeOnly || cfg.RuntimeOnly)
	if err != nil {
		return err
	}
	return VerifyImage(imageDir, m, pol)
}

func handlePushCommand(ctx context.Context, args []string, cfg *Config) error {
	pushCmd := flag.NewFlagSet("push", flag.ExitOnError)
	indexPath := pushCmd.String("index", "", "Upload a channel index.json instead of layers.")
	if err := pushCmd.Parse(args); err != nil {
		return err
	}
	args = pushCmd.Args()

	client, err := NewCacheClient(cfg)
	if err != nil {
		return err
	}

	if *indexPath != "" {
		if err := client.PushIndex(ctx, *indexPath); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Pushed channel index %s\n", *indexPath)
		return nil
	}

	var layers []Layer
	if len(args) == 0 {
		layers, err = ListLayers()
		if err != nil {
			return err
		}
	} else {
		for _, ref := range args {
			l, err := findLayer(ref)
			if err != nil {
				return err
			}
			layers = append(layers, l)
		}
	}
	if len(layers) == 0 {
		cPrintln(colWarn, "No layers to push.")
		return nil
	}

	for _, l := range layers {
		if err := client.PushLayer(ctx, l); err != nil {
			return err
		}
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Pushed %d layers.\n", len(layers))
	return nil
}

func handlePullCommand(ctx context.Context, args []string, cfg *Config) error {
	client, err := NewCacheClient(cfg)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		// Without keys, list what the remote cache holds.
		objects, err := client.ListObjects(ctx, "layers/")
		if err != nil {
			return err
		}
		for _, obj := range objects {
			if strings.HasSuffix(obj.Key, ".tar.zst") {
				fmt.Printf("  %-40s %s\n", strings.TrimSuffix(strings.TrimPrefix(obj.Key, "layers/"), ".tar.zst"), formatSize(obj.Size))
			}
		}
		return nil
	}

	for _, key := range args {
		if _, err := client.PullLayer(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func listLayers(filter string) error {
	layers, err := ListLayers()
	if err != nil {
		return err
	}
	var shown int
	for _, l := range layers {
		if filter != "" && !strings.Contains(l.Name, filter) {
			continue
		}
		fmt.Printf("  %-24s %-12s %s  %-10s %s\n",
			l.Name+"-"+l.Version, shortDigest(l.Digest), l.Created.Format("2006-01-02 15:04"), formatSize(l.Size), l.Key)
		shown++
	}
	if shown == 0 {
		if filter != "" {
			cPrintf(colWarn, "No layers matching %q.\n", filter)
			return errLayerNotFound
		}
		cPrintln(colWarn, "No layers built yet.")
	}
	return nil
}
