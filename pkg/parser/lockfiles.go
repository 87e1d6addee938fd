package parser

import (
	"encoding/json"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
)

type composerPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type composerLock struct {
	Packages    []composerPackage `json:"packages"`
	PackagesDev []composerPackage `json:"packages-dev"`
}

type composerLockParser struct {
	base
}

func NewComposerLockParser(content string) Parser {
	return &composerLockParser{base: base{
		content:   content,
		fileType:  dependency.ComposerLock,
		ecosystem: dependency.Composer,
	}}
}

func (p *composerLockParser) Parse() (dependency.FileContent, error) {
	var lock composerLock
	if err := json.Unmarshal([]byte(p.content), &lock); err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var deps []dependency.Package
	for _, pkg := range lock.Packages {
		deps = p.appendPackage(deps, pkg.Name, composerVersion(pkg.Version), false)
	}
	for _, pkg := range lock.PackagesDev {
		deps = p.appendPackage(deps, pkg.Name, composerVersion(pkg.Version), true)
	}
	return p.result(deps), nil
}

// composerVersion drops the "v" tag prefix Packagist versions often carry.
func composerVersion(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') && isDigit(v[1]) {
		return v[1:]
	}
	return v
}

type cargoLock struct {
	Packages []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Source  string `toml:"source"`
	} `toml:"package"`
}

type cargoLockParser struct {
	base
}

// NewCargoLockParser parses Cargo.lock. Crates without a source are members of
// the local workspace and are not reported.
func NewCargoLockParser(content string) Parser {
	return &cargoLockParser{base: base{
		content:   content,
		fileType:  dependency.CargoLock,
		ecosystem: dependency.Cargo,
	}}
}

func (p *cargoLockParser) Parse() (dependency.FileContent, error) {
	var lock cargoLock
	if err := toml.Unmarshal([]byte(p.content), &lock); err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var deps []dependency.Package
	for _, pkg := range lock.Packages {
		if pkg.Source == "" {
			continue
		}
		deps = p.appendPackage(deps, pkg.Name, pkg.Version, false)
	}
	return p.result(deps), nil
}

type goModParser struct {
	base
}

// NewGoModParser parses go.mod files. Replace directives pointing at another
// module version are applied; replacements by a local directory keep the
// required version.
func NewGoModParser(content string) Parser {
	return &goModParser{base: base{
		content:   content,
		fileType:  dependency.GoMod,
		ecosystem: dependency.Go,
	}}
}

func (p *goModParser) Parse() (dependency.FileContent, error) {
	f, err := modfile.Parse(string(p.fileType), []byte(p.content), nil)
	if err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	replaced := make(map[string]*modfile.Replace, len(f.Replace))
	for _, r := range f.Replace {
		if r.New.Version == "" {
			continue
		}
		replaced[r.Old.Path+"@"+r.Old.Version] = r
		if r.Old.Version == "" {
			replaced[r.Old.Path] = r
		}
	}

	var deps []dependency.Package
	for _, req := range f.Require {
		path, version := req.Mod.Path, req.Mod.Version
		r, ok := replaced[path+"@"+version]
		if !ok {
			r, ok = replaced[path]
		}
		if ok {
			path, version = r.New.Path, r.New.Version
		}
		deps = p.appendPackage(deps, path, version, false)
	}
	return p.result(deps), nil
}
