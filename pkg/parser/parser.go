// Package parser turns dependency manifests into canonical dependency lists.
//
// Parsers are tolerant: an entry or line that cannot be understood is skipped,
// never reported as an error. Only a document that is not syntactically valid
// in its base format (TOML, JSON, go.mod) fails with ErrMalformedManifest.
package parser

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
)

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrNoParserAvailable   = errors.New("no parser available")
	ErrMalformedManifest   = errors.New("malformed manifest")
)

// Parser extracts the dependencies declared by one manifest. A Parser is bound
// to its content at construction; Parse does the work.
type Parser interface {
	Parse() (dependency.FileContent, error)
	FileType() dependency.FileType
	Ecosystem() dependency.Ecosystem
}

// Constructor binds a Parser to manifest content.
type Constructor func(content string) Parser

// New returns the parser registered for the given file type token.
func New(fileType string, content string) (Parser, error) {
	ft, ok := dependency.ParseFileType(fileType)
	if !ok {
		return nil, xerrors.Errorf("file type %s: %w", fileType, ErrUnsupportedFileType)
	}
	constructor := constructorFor(ft)
	if constructor == nil {
		return nil, xerrors.Errorf("file type %s: %w", ft, ErrNoParserAvailable)
	}
	return constructor(content), nil
}

// constructorFor is the file type registry. Every declared file type has a case
// here; types that are recognized but not parsed yet map to nil.
func constructorFor(ft dependency.FileType) Constructor {
	switch ft {
	case dependency.RequirementsTxt:
		return NewRequirementsParser
	case dependency.PoetryLock:
		return NewPoetryLockParser
	case dependency.PipfileLock:
		return NewPipfileLockParser
	case dependency.PackageJSON:
		return NewPackageJSONParser
	case dependency.PackageLockJSON:
		return NewPackageLockParser
	case dependency.ComposerLock:
		return NewComposerLockParser
	case dependency.CargoLock:
		return NewCargoLockParser
	case dependency.GoMod:
		return NewGoModParser
	case dependency.YarnLock,
		dependency.ComposerJSON,
		dependency.Gemfile,
		dependency.GemfileLock,
		dependency.GoSum:
		return nil
	}
	return nil
}

// Support tells whether a declared file type can be parsed.
type Support struct {
	FileType  dependency.FileType `json:"file_type"`
	Supported bool                `json:"supported"`
}

func Supported() []Support {
	types := dependency.FileTypes()
	result := make([]Support, len(types))
	for i, ft := range types {
		result[i] = Support{FileType: ft, Supported: constructorFor(ft) != nil}
	}
	return result
}

// base carries the metadata shared by all parsers.
type base struct {
	content   string
	fileType  dependency.FileType
	ecosystem dependency.Ecosystem
}

func (b base) FileType() dependency.FileType {
	return b.fileType
}

func (b base) Ecosystem() dependency.Ecosystem {
	return b.ecosystem
}

func (b base) malformed(err error) error {
	return xerrors.Errorf("parsing %s: %v: %w", b.fileType, err, ErrMalformedManifest)
}

// appendPackage validates and appends a dependency; invalid entries are dropped.
func (b base) appendPackage(deps []dependency.Package, name, version string, isDev bool) []dependency.Package {
	pkg, err := dependency.NewPackage(name, version, b.ecosystem, isDev)
	if err != nil {
		logSkipped(b.fileType, name, err)
		return deps
	}
	return append(deps, pkg)
}

func logSkipped(ft dependency.FileType, entry string, err error) {
	log.WithFields(log.Fields{
		"file_type": ft.String(),
		"entry":     entry,
	}).WithError(err).Debug("Skipping manifest entry")
}

func (b base) result(deps []dependency.Package) dependency.FileContent {
	if deps == nil {
		deps = []dependency.Package{}
	}
	return dependency.FileContent{FileType: b.fileType, Dependencies: deps}
}
