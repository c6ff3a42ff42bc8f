// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"fmt"
	"slices"
	"strings"
)

// Language names accepted on submissions.
const (
	LanguageC       = "c"
	LanguageCpp     = "cpp"
	LanguagePython3 = "python3"
)

// Language describes how one programming language compiles and runs.
// Commands name absolute binaries so boxes need no PATH lookup.
type Language interface {
	// Name returns the registry key.
	Name() string

	// SourceExtension is the extension substituted for ".%l", including
	// the dot.
	SourceExtension() string

	// SourceExtensions, HeaderExtensions and ObjectExtensions select the
	// dataset managers that take part in compilation.
	SourceExtensions() []string
	HeaderExtensions() []string
	ObjectExtensions() []string

	// CompilationCommands returns the commands turning the named sources
	// into the named executable, run sequentially in one box.
	CompilationCommands(sources []string, executable string) [][]string

	// EvaluationCommands returns the commands running the executable.
	EvaluationCommands(executable string) [][]string
}

var languages = map[string]Language{
	LanguageC:       gcc{},
	LanguageCpp:     gpp{},
	LanguagePython3: cpython3{},
}

// RegisterLanguage installs a language under its name, replacing any
// previous entry. Call at program start; the registry is not
// synchronized.
func RegisterLanguage(l Language) {
	languages[l.Name()] = l
}

// LanguageByName resolves a language registry key.
func LanguageByName(name string) (Language, error) {
	l, ok := languages[name]
	if !ok {
		return nil, fmt.Errorf("unknown language %q", name)
	}
	return l, nil
}

// compilationManagers selects the managers staged alongside the sources:
// headers, extra sources and prebuilt objects of the language.
func compilationManagers(lang Language, managers map[string]string) map[string]string {
	exts := slices.Concat(lang.SourceExtensions(),
		lang.HeaderExtensions(), lang.ObjectExtensions())
	out := make(map[string]string)
	for name, digest := range managers {
		for _, ext := range exts {
			if strings.HasSuffix(name, ext) {
				out[name] = digest
				break
			}
		}
	}
	return out
}

type gcc struct{}

func (gcc) Name() string               { return LanguageC }
func (gcc) SourceExtension() string    { return ".c" }
func (gcc) SourceExtensions() []string { return []string{".c"} }
func (gcc) HeaderExtensions() []string { return []string{".h"} }
func (gcc) ObjectExtensions() []string { return []string{".o"} }

func (gcc) CompilationCommands(sources []string, executable string) [][]string {
	cmd := []string{"/usr/bin/gcc", "-DEVAL", "-std=gnu11", "-O2", "-pipe", "-static", "-s", "-o", executable}
	cmd = append(cmd, sources...)
	cmd = append(cmd, "-lm")
	return [][]string{cmd}
}

func (gcc) EvaluationCommands(executable string) [][]string {
	return [][]string{{"./" + executable}}
}

type gpp struct{}

func (gpp) Name() string               { return LanguageCpp }
func (gpp) SourceExtension() string    { return ".cpp" }
func (gpp) SourceExtensions() []string { return []string{".cpp", ".cc", ".cxx"} }
func (gpp) HeaderExtensions() []string { return []string{".h", ".hpp"} }
func (gpp) ObjectExtensions() []string { return []string{".o"} }

func (gpp) CompilationCommands(sources []string, executable string) [][]string {
	cmd := []string{"/usr/bin/g++", "-DEVAL", "-std=gnu++17", "-O2", "-pipe", "-static", "-s", "-o", executable}
	cmd = append(cmd, sources...)
	return [][]string{cmd}
}

func (gpp) EvaluationCommands(executable string) [][]string {
	return [][]string{{"./" + executable}}
}

type cpython3 struct{}

func (cpython3) Name() string               { return LanguagePython3 }
func (cpython3) SourceExtension() string    { return ".py" }
func (cpython3) SourceExtensions() []string { return []string{".py"} }
func (cpython3) HeaderExtensions() []string { return nil }
func (cpython3) ObjectExtensions() []string { return []string{".pyc"} }

// CompilationCommands checks the syntax of every source, then installs
// the main source as the executable.
func (cpython3) CompilationCommands(sources []string, executable string) [][]string {
	check := append([]string{"/usr/bin/python3", "-m", "py_compile"}, sources...)
	install := []string{"/bin/cp", sources[0], executable}
	return [][]string{check, install}
}

func (cpython3) EvaluationCommands(executable string) [][]string {
	return [][]string{{"/usr/bin/python3", executable}}
}
