package envforge

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	CacheDir    string
	PackagesDir string
	LayersDir   string
	ChannelsDir string
	LogsDir     string
	workDir     string
	tmpDir      string

	Debug   bool
	Verbose bool
	MaxJobs int

	ConfigFile        = "/etc/envforge.conf"
	mirrorURL         string
	mirrorMessageOnce sync.Once

	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
	arch      = runtime.GOARCH

	errPackageNotFound = errors.New("package not found")
	errLayerNotFound   = errors.New("layer not found")

	// Global executors (assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// colorPrinter is the slice of the gookit/color API the CLI output helpers
// need. Both *color.Theme and *color.Style satisfy it, and a nil printer
// degrades to plain fmt output so tests and non-TTY runs stay quiet.
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// debugf is gated on the Debug global rather than a log level so the hot
// paths pay only a bool check.
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}
