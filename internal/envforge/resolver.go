package envforge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dominikbraun/graph"
)

// DepSpec is a single parsed dependency constraint.
type DepSpec struct {
	Name         string
	Op           string // one of: "<=", ">=", "==", "<", ">", or empty for no constraint
	Version      string
	Optional     bool
	Make         bool     // True if dependency is only needed at build time
	Alternatives []string // List of alternative package names (e.g., ["mesa", "swiftshader"])
}

// String renders the spec back into its manifest form.
func (d DepSpec) String() string {
	s := d.Name + d.Op + d.Version
	if d.Make {
		s += " make"
	}
	if d.Optional {
		s += " optional"
	}
	return s
}

// parseDepToken parses tokens like "pkg", "pkg<=1.2.3 optional", "pkg make"
// and returns name, op, version, and flags.
func parseDepToken(token string) (string, string, string, bool, bool, bool) {
	parts := strings.Fields(token)
	if len(parts) == 0 {
		return "", "", "", false, false, false
	}

	pkgSpec := parts[0]
	var optional, rebuild, makeDep bool

	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "optional":
			optional = true
		case "rebuild":
			rebuild = true
		case "make":
			makeDep = true
		}
	}

	ops := []string{"<=", ">=", "==", "<", ">"}
	for _, op := range ops {
		if idx := strings.Index(pkgSpec, op); idx != -1 {
			name := pkgSpec[:idx]
			ver := pkgSpec[idx+len(op):]
			return strings.TrimSpace(name), op, strings.TrimSpace(ver), optional, rebuild, makeDep
		}
	}
	return pkgSpec, "", "", optional, rebuild, makeDep
}

// parseDepSpecs parses a list of raw dependency lines, expanding alternative
// groups written as "a | b".
func parseDepSpecs(lines []string) ([]DepSpec, error) {
	var specs []DepSpec
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "|") {
			alt, err := parseAlternativeDeps(line)
			if err != nil {
				return nil, fmt.Errorf("failed to parse alternative dependencies: %w", err)
			}
			specs = append(specs, alt)
			continue
		}
		name, op, ver, optional, _, makeDep := parseDepToken(line)
		if name != "" {
			specs = append(specs, DepSpec{Name: name, Op: op, Version: ver, Optional: optional, Make: makeDep})
		}
	}
	return specs, nil
}

// parseAlternativeDeps parses a line with alternatives like "mesa | swiftshader make".
// Flags on the first alternative apply to the whole group.
func parseAlternativeDeps(line string) (DepSpec, error) {
	parts := strings.Split(line, "|")
	var alternatives []string
	var spec DepSpec

	for i, part := range parts {
		name, op, ver, optional, _, makeDep := parseDepToken(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		alternatives = append(alternatives, name)
		if i == 0 {
			spec = DepSpec{Name: name, Op: op, Version: ver, Optional: optional, Make: makeDep}
		}
	}

	if len(alternatives) == 0 {
		return DepSpec{}, fmt.Errorf("no alternatives found in line: %s", line)
	}
	spec.Alternatives = alternatives
	return spec, nil
}

// versionSatisfies reports whether candidate satisfies "op ref".
func versionSatisfies(candidate, op, ref string) bool {
	cmp := compareVersions(candidate, ref)
	switch op {
	case "==":
		return cmp == 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	default:
		return true
	}
}

// compareVersions compares two version strings split by dots. Numeric segments
// are compared numerically; non-numeric fall back to lexicographic.
// Returns -1 if a<b, 0 if equal, 1 if a>b.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		} else {
			av = "0"
		}
		if i < len(bs) {
			bv = bs[i]
		} else {
			bv = "0"
		}

		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
			continue
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

// Resolution is the output of constraint solving: a concrete entry per
// package and an install order where dependencies precede their dependents.
type Resolution struct {
	Order    []string
	Selected map[string]IndexEntry
	Skipped  map[string]string // package -> reason it was left out
}

// ResolveOptions tunes the solver.
type ResolveOptions struct {
	// SkipMakeDeps leaves build-only dependencies out of the environment.
	SkipMakeDeps bool
}

// Resolve computes a consistent package set for the requested specs against
// the channel index. Constraints accumulate across the dependency walk; a
// package that cannot satisfy all of its constraints at once fails the
// resolution. The final order is a stable topological sort of the dependency
// graph.
func Resolve(requested []DepSpec, idx *ChannelIndex, opts ResolveOptions) (*Resolution, error) {
	res := &Resolution{
		Selected: make(map[string]IndexEntry),
		Skipped:  make(map[string]string),
	}

	constraints := make(map[string][]DepSpec)
	// PreventCycles makes AddEdge reject a back edge instead of poisoning the
	// sort; the offending edge is dropped, matching the resolver's tolerance
	// for optional-dependency loops.
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	var visit func(spec DepSpec, requiredBy string) error
	visit = func(spec DepSpec, requiredBy string) error {
		name := spec.Name
		if len(spec.Alternatives) > 0 {
			name = pickAlternative(spec, idx)
			if name == "" {
				if spec.Optional {
					res.Skipped[spec.Name] = "no available alternative"
					return nil
				}
				return fmt.Errorf("none of the alternatives for %s are available: %s",
					requiredBy, strings.Join(spec.Alternatives, ", "))
			}
		}

		if spec.Op != "" {
			constraints[name] = append(constraints[name], spec)
		}

		entry, ok := idx.Best(name, constraints[name])
		if !ok {
			if spec.Optional {
				res.Skipped[name] = "not found in any channel"
				return nil
			}
			if _, exists := idx.entries[name]; exists {
				return fmt.Errorf("no version of %s satisfies %s (required by %s)",
					name, describeConstraints(constraints[name]), requiredBy)
			}
			return fmt.Errorf("%w: %s (required by %s)", errPackageNotFound, name, requiredBy)
		}

		prev, seen := res.Selected[name]
		res.Selected[name] = entry
		_ = g.AddVertex(name)
		if requiredBy != "" {
			// Dependencies come before their dependents in the sort.
			if err := g.AddEdge(name, requiredBy); err != nil &&
				!errors.Is(err, graph.ErrEdgeAlreadyExists) &&
				!errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return err
			}
		}
		if seen && prev.Version == entry.Version && prev.Revision == entry.Revision {
			// Already walked with the same selection; nothing new to do.
			return nil
		}

		deps, err := parseDepSpecs(entry.Depends)
		if err != nil {
			return fmt.Errorf("bad dependency metadata for %s: %w", name, err)
		}
		for _, dep := range deps {
			if dep.Make && opts.SkipMakeDeps {
				continue
			}
			if dep.Name == name {
				continue
			}
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		return nil
	}

	for _, spec := range requested {
		if err := visit(spec, ""); err != nil {
			return nil, err
		}
	}

	pruneStaleSelections(res, requested, idx, opts)

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("failed to order packages: %w", err)
	}
	res.Order = res.Order[:0]
	for _, name := range order {
		if _, ok := res.Selected[name]; ok {
			res.Order = append(res.Order, name)
		}
	}
	return res, nil
}

// pruneStaleSelections drops packages that are no longer reachable from the
// requested set. A later, tighter constraint can replace an already-selected
// version; dependencies that only the replaced version needed would otherwise
// linger in the result.
func pruneStaleSelections(res *Resolution, requested []DepSpec, idx *ChannelIndex, opts ResolveOptions) {
	reachable := make(map[string]bool)
	var mark func(name string)
	mark = func(name string) {
		entry, ok := res.Selected[name]
		if !ok || reachable[name] {
			return
		}
		reachable[name] = true
		deps, err := parseDepSpecs(entry.Depends)
		if err != nil {
			return
		}
		for _, dep := range deps {
			if dep.Make && opts.SkipMakeDeps {
				continue
			}
			depName := dep.Name
			if len(dep.Alternatives) > 0 {
				depName = pickAlternative(dep, idx)
			}
			mark(depName)
		}
	}
	for _, spec := range requested {
		name := spec.Name
		if len(spec.Alternatives) > 0 {
			name = pickAlternative(spec, idx)
		}
		mark(name)
	}
	for name := range res.Selected {
		if !reachable[name] {
			delete(res.Selected, name)
		}
	}
}

// pickAlternative returns the first alternative present in the index.
func pickAlternative(spec DepSpec, idx *ChannelIndex) string {
	for _, alt := range spec.Alternatives {
		if _, ok := idx.entries[alt]; ok {
			return alt
		}
	}
	return ""
}

func describeConstraints(specs []DepSpec) string {
	if len(specs) == 0 {
		return "(unconstrained)"
	}
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		parts = append(parts, s.Op+s.Version)
	}
	return strings.Join(parts, ", ")
}
