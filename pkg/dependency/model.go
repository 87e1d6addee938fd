package dependency

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Ecosystem identifies the package registry a dependency is published to.
type Ecosystem string

const (
	PyPI     Ecosystem = "PyPI"
	NPM      Ecosystem = "npm"
	Composer Ecosystem = "Composer"
	Maven    Ecosystem = "Maven"
	NuGet    Ecosystem = "NuGet"
	RubyGems Ecosystem = "RubyGems"
	Cargo    Ecosystem = "Cargo"
	Go       Ecosystem = "Go"
	Other    Ecosystem = "Other"
)

var ecosystems = []Ecosystem{PyPI, NPM, Composer, Maven, NuGet, RubyGems, Cargo, Go, Other}

// Ecosystems returns all recognized ecosystems.
func Ecosystems() []Ecosystem {
	return append([]Ecosystem(nil), ecosystems...)
}

func (e Ecosystem) IsValid() bool {
	for _, v := range ecosystems {
		if e == v {
			return true
		}
	}
	return false
}

func ParseEcosystem(s string) (Ecosystem, error) {
	e := Ecosystem(s)
	if !e.IsValid() {
		return "", &ValidationError{Field: "ecosystem", Message: fmt.Sprintf("unrecognized ecosystem %q", s)}
	}
	return e, nil
}

// FileType is the token identifying a manifest format.
type FileType string

const (
	RequirementsTxt FileType = "requirements.txt"
	PoetryLock      FileType = "poetry.lock"
	PipfileLock     FileType = "Pipfile.lock"
	PackageJSON     FileType = "package.json"
	PackageLockJSON FileType = "package-lock.json"
	YarnLock        FileType = "yarn.lock"
	ComposerJSON    FileType = "composer.json"
	ComposerLock    FileType = "composer.lock"
	Gemfile         FileType = "Gemfile"
	GemfileLock     FileType = "Gemfile.lock"
	CargoLock       FileType = "Cargo.lock"
	GoMod           FileType = "go.mod"
	GoSum           FileType = "go.sum"
)

var fileTypes = []FileType{
	RequirementsTxt,
	PoetryLock,
	PipfileLock,
	PackageJSON,
	PackageLockJSON,
	YarnLock,
	ComposerJSON,
	ComposerLock,
	Gemfile,
	GemfileLock,
	CargoLock,
	GoMod,
	GoSum,
}

// FileTypes returns every declared file type in a stable order.
func FileTypes() []FileType {
	return append([]FileType(nil), fileTypes...)
}

func (ft FileType) String() string {
	return string(ft)
}

// ParseFileType maps a token such as "requirements.txt" to its FileType.
// The boolean result is false for unknown tokens.
func ParseFileType(token string) (FileType, bool) {
	for _, ft := range fileTypes {
		if string(ft) == token {
			return ft, true
		}
	}
	return "", false
}

// FileTypeForPath recognizes a manifest by the base name of its path,
// e.g. "services/api/requirements.txt".
func FileTypeForPath(p string) (FileType, bool) {
	return ParseFileType(path.Base(strings.ReplaceAll(p, "\\", "/")))
}

// Key is the identity of a Package. Name is compared in the canonical form of
// its ecosystem, so Key.Name may differ from Package.Name.
type Key struct {
	Name      string
	Version   string
	Ecosystem Ecosystem
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Ecosystem, k.Name, k.Version)
}

const (
	VersionUnknown = "unknown"
	VersionLatest  = "latest"
)

// Package is a single normalized dependency declared by a manifest.
// Packages are values: they are built by NewPackage and never modified.
type Package struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Ecosystem Ecosystem `json:"ecosystem"`
	IsDev     bool      `json:"is_dev"`
}

func NewPackage(name, version string, ecosystem Ecosystem, isDev bool) (Package, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Package{}, &ValidationError{Field: "name", Message: "must not be blank"}
	}
	if !ecosystem.IsValid() {
		return Package{}, &ValidationError{Field: "ecosystem", Message: fmt.Sprintf("unrecognized ecosystem %q", ecosystem)}
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = VersionUnknown
	}
	return Package{
		Name:      name,
		Version:   version,
		Ecosystem: ecosystem,
		IsDev:     isDev,
	}, nil
}

func (p Package) Key() Key {
	return Key{Name: canonicalName(p.Name, p.Ecosystem), Version: p.Version, Ecosystem: p.Ecosystem}
}

var pythonNameSeparators = regexp.MustCompile(`[-_.]+`)

// canonicalName folds names in ecosystems whose registries resolve them case
// insensitively. PyPI names also treat runs of "-", "_" and "." as one "-".
func canonicalName(name string, ecosystem Ecosystem) string {
	switch ecosystem {
	case PyPI:
		return pythonNameSeparators.ReplaceAllString(strings.ToLower(name), "-")
	case Composer, NuGet:
		return strings.ToLower(name)
	default:
		return name
	}
}

// ConcreteVersion returns the version when it pins a single release, that is
// when it is neither a sentinel nor a constraint or range expression.
func (p Package) ConcreteVersion() (string, bool) {
	v := p.Version
	if v == "" || v == VersionUnknown || v == VersionLatest {
		return "", false
	}
	if strings.ContainsAny(v, "<>=~^*!|, ") {
		return "", false
	}
	return v, true
}

func (p Package) String() string {
	return Key{Name: p.Name, Version: p.Version, Ecosystem: p.Ecosystem}.String()
}

// FileContent is the parse result of one manifest. Dependencies keep
// manifest order.
type FileContent struct {
	FileType     FileType  `json:"file_type"`
	Dependencies []Package `json:"dependencies"`
}

// ValidationError is returned when a Package cannot be constructed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid dependency %s: %s", e.Field, e.Message)
}
