package parser

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/tailscale/hujson"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
)

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

type packageJSONParser struct {
	base
}

// NewPackageJSONParser parses package.json manifests. Comments and trailing
// commas are accepted since hand edited manifests often carry them.
func NewPackageJSONParser(content string) Parser {
	return &packageJSONParser{base: base{
		content:   content,
		fileType:  dependency.PackageJSON,
		ecosystem: dependency.NPM,
	}}
}

func (p *packageJSONParser) Parse() (dependency.FileContent, error) {
	standard, err := hujson.Standardize([]byte(p.content))
	if err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var manifest packageJSON
	if err := json.Unmarshal(standard, &manifest); err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var deps []dependency.Package
	for _, section := range []struct {
		entries map[string]string
		dev     bool
	}{
		{entries: manifest.Dependencies},
		{entries: manifest.DevDependencies, dev: true},
	} {
		names := lo.Keys(section.entries)
		sort.Strings(names)
		for _, name := range names {
			deps = p.appendPackage(deps, name, npmVersion(section.entries[name]), section.dev)
		}
	}
	return p.result(deps), nil
}

// npmVersion keeps semver ranges as written, pins "=1.2.3" and "v1.2.3" to
// the bare version and maps tags and non registry sources to sentinels.
func npmVersion(spec string) string {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "" || spec == "*" || spec == "latest" || spec == "x":
		return dependency.VersionLatest
	case strings.Contains(spec, ":") || strings.Contains(spec, "/"):
		// git, file, link, workspace, npm alias and github shorthand specs
		return dependency.VersionUnknown
	case strings.HasPrefix(spec, "="):
		return strings.TrimSpace(strings.TrimLeft(spec, "="))
	case strings.HasPrefix(spec, "v") && len(spec) > 1 && isDigit(spec[1]):
		return spec[1:]
	}
	return spec
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

type packageLockEntry struct {
	Version      string                      `json:"version"`
	Dev          bool                        `json:"dev"`
	Link         bool                        `json:"link"`
	Dependencies map[string]packageLockEntry `json:"dependencies"`
}

type packageLock struct {
	LockfileVersion int                         `json:"lockfileVersion"`
	Packages        map[string]packageLockEntry `json:"packages"`
	Dependencies    map[string]packageLockEntry `json:"dependencies"`
}

type packageLockParser struct {
	base
}

// NewPackageLockParser parses package-lock.json. The "packages" map of lock
// file versions 2 and 3 is preferred; version 1 files are read from the nested
// "dependencies" tree.
func NewPackageLockParser(content string) Parser {
	return &packageLockParser{base: base{
		content:   content,
		fileType:  dependency.PackageLockJSON,
		ecosystem: dependency.NPM,
	}}
}

func (p *packageLockParser) Parse() (dependency.FileContent, error) {
	var lock packageLock
	if err := json.Unmarshal([]byte(p.content), &lock); err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var deps []dependency.Package
	if len(lock.Packages) > 0 {
		paths := lo.Keys(lock.Packages)
		sort.Strings(paths)
		for _, path := range paths {
			entry := lock.Packages[path]
			if path == "" || entry.Link {
				continue
			}
			i := strings.LastIndex(path, "node_modules/")
			if i < 0 {
				// workspace member declared by its folder
				continue
			}
			deps = p.appendPackage(deps, path[i+len("node_modules/"):], entry.Version, entry.Dev)
		}
		return p.result(deps), nil
	}

	deps = p.walkV1(deps, lock.Dependencies)
	return p.result(deps), nil
}

func (p *packageLockParser) walkV1(deps []dependency.Package, entries map[string]packageLockEntry) []dependency.Package {
	names := lo.Keys(entries)
	sort.Strings(names)
	for _, name := range names {
		entry := entries[name]
		deps = p.appendPackage(deps, name, entry.Version, entry.Dev)
		deps = p.walkV1(deps, entry.Dependencies)
	}
	return deps
}
