// Package detect infers build, typecheck, and test commands for a project
// directory from its marker files.
package detect

import (
	"os"
	"path/filepath"
)

// Kind names a detectable command category.
type Kind string

const (
	KindBuild     Kind = "build"
	KindTypecheck Kind = "typecheck"
	KindTest      Kind = "test"
)

type marker struct {
	file    string
	command string
}

var buildMarkers = []marker{
	{"package.json", "npm run build"},
	{"go.mod", "go build ./..."},
	{"Cargo.toml", "cargo build"},
	{"Makefile", "make"},
	{"build.gradle", "./gradlew build"},
	{"pom.xml", "mvn package"},
	{"CMakeLists.txt", "cmake --build ."},
	{"pyproject.toml", "python -m build"},
	{"setup.py", "python setup.py build"},
}

// tsconfig.json before package.json: a TypeScript project typechecks with
// tsc even when package.json has no typecheck script.
var typecheckMarkers = []marker{
	{"tsconfig.json", "npx tsc --noEmit"},
	{"go.mod", "go vet ./..."},
	{"Cargo.toml", "cargo check"},
	{"pyproject.toml", "mypy ."},
	{"package.json", "npm run typecheck"},
}

var testMarkers = []marker{
	{"go.mod", "go test ./..."},
	{"Cargo.toml", "cargo test"},
	{"package.json", "npm test"},
	{"pytest.ini", "pytest"},
	{"pyproject.toml", "pytest"},
	{"setup.py", "python -m pytest"},
	{"build.gradle", "./gradlew test"},
	{"pom.xml", "mvn test"},
}

// BuildCommand detects the build command for a directory.
// Returns "" when no marker file matches.
func BuildCommand(dir string) string {
	return firstMatch(dir, buildMarkers)
}

// TypecheckCommand detects the typecheck command for a directory.
func TypecheckCommand(dir string) string {
	return firstMatch(dir, typecheckMarkers)
}

// TestCommand detects the test command for a directory.
func TestCommand(dir string) string {
	return firstMatch(dir, testMarkers)
}

// CommandFor detects the command of the given kind for a directory.
// An unknown kind falls back to build detection.
func CommandFor(kind Kind, dir string) string {
	switch kind {
	case KindTypecheck:
		return TypecheckCommand(dir)
	case KindTest:
		return TestCommand(dir)
	default:
		return BuildCommand(dir)
	}
}

func firstMatch(dir string, markers []marker) string {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.command
		}
	}
	return ""
}
