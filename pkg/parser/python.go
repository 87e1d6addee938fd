package parser

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
)

type poetryLock struct {
	Packages []struct {
		Name     string `toml:"name"`
		Version  string `toml:"version"`
		Category string `toml:"category"`
	} `toml:"package"`
}

type poetryLockParser struct {
	base
}

// NewPoetryLockParser parses poetry.lock files. Dev dependencies are those in
// the "dev" category; lock files written by Poetry 1.5 and later carry no
// category and are reported as runtime dependencies.
func NewPoetryLockParser(content string) Parser {
	return &poetryLockParser{base: base{
		content:   content,
		fileType:  dependency.PoetryLock,
		ecosystem: dependency.PyPI,
	}}
}

func (p *poetryLockParser) Parse() (dependency.FileContent, error) {
	var lock poetryLock
	if err := toml.Unmarshal([]byte(p.content), &lock); err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var deps []dependency.Package
	for _, pkg := range lock.Packages {
		deps = p.appendPackage(deps, pkg.Name, pkg.Version, pkg.Category == "dev")
	}
	return p.result(deps), nil
}

type pipfileLockEntry struct {
	Version string `json:"version"`
}

type pipfileLock struct {
	Default map[string]pipfileLockEntry `json:"default"`
	Develop map[string]pipfileLockEntry `json:"develop"`
}

type pipfileLockParser struct {
	base
}

func NewPipfileLockParser(content string) Parser {
	return &pipfileLockParser{base: base{
		content:   content,
		fileType:  dependency.PipfileLock,
		ecosystem: dependency.PyPI,
	}}
}

func (p *pipfileLockParser) Parse() (dependency.FileContent, error) {
	var lock pipfileLock
	if err := json.Unmarshal([]byte(p.content), &lock); err != nil {
		return dependency.FileContent{}, p.malformed(err)
	}

	var deps []dependency.Package
	for _, section := range []struct {
		entries map[string]pipfileLockEntry
		dev     bool
	}{
		{entries: lock.Default},
		{entries: lock.Develop, dev: true},
	} {
		names := lo.Keys(section.entries)
		sort.Strings(names)
		for _, name := range names {
			version := strings.TrimSpace(strings.TrimPrefix(section.entries[name].Version, "=="))
			deps = p.appendPackage(deps, name, version, section.dev)
		}
	}
	return p.result(deps), nil
}
