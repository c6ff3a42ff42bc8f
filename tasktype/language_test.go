// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
)

func TestLanguage_Registry(t *testing.T) {
	ci.Parallel(t)

	for _, name := range []string{LanguageC, LanguageCpp, LanguagePython3} {
		l, err := LanguageByName(name)
		must.NoError(t, err)
		must.Eq(t, name, l.Name())
	}

	_, err := LanguageByName("cobol")
	must.Error(t, err)
}

func TestLanguage_CompilationCommands(t *testing.T) {
	ci.Parallel(t)

	c, err := LanguageByName(LanguageC)
	must.NoError(t, err)
	cmds := c.CompilationCommands([]string{"grader.c", "sol.c"}, "sol")
	must.Len(t, 1, cmds)
	must.Eq(t, []string{"/usr/bin/gcc", "-DEVAL", "-std=gnu11", "-O2", "-pipe",
		"-static", "-s", "-o", "sol", "grader.c", "sol.c", "-lm"}, cmds[0])

	cpp, err := LanguageByName(LanguageCpp)
	must.NoError(t, err)
	cmds = cpp.CompilationCommands([]string{"sol.cpp"}, "sol")
	must.Len(t, 1, cmds)
	must.Eq(t, []string{"/usr/bin/g++", "-DEVAL", "-std=gnu++17", "-O2", "-pipe",
		"-static", "-s", "-o", "sol", "sol.cpp"}, cmds[0])

	py, err := LanguageByName(LanguagePython3)
	must.NoError(t, err)
	cmds = py.CompilationCommands([]string{"grader.py", "sol.py"}, "sol")
	must.Len(t, 2, cmds)
	must.Eq(t, []string{"/usr/bin/python3", "-m", "py_compile", "grader.py", "sol.py"}, cmds[0])
	must.Eq(t, []string{"/bin/cp", "grader.py", "sol"}, cmds[1])
}

func TestLanguage_EvaluationCommands(t *testing.T) {
	ci.Parallel(t)

	c, _ := LanguageByName(LanguageC)
	must.Eq(t, [][]string{{"./sol"}}, c.EvaluationCommands("sol"))

	py, _ := LanguageByName(LanguagePython3)
	must.Eq(t, [][]string{{"/usr/bin/python3", "sol"}}, py.EvaluationCommands("sol"))
}

func TestCompilationManagers(t *testing.T) {
	ci.Parallel(t)

	managers := map[string]string{
		"lib.h":     "d1",
		"extra.cpp": "d2",
		"prec.o":    "d3",
		"checker":   "d4",
		"notes.txt": "d5",
	}

	cpp, _ := LanguageByName(LanguageCpp)
	got := compilationManagers(cpp, managers)
	must.MapLen(t, 3, got)
	must.MapContainsKeys(t, got, []string{"lib.h", "extra.cpp", "prec.o"})

	c, _ := LanguageByName(LanguageC)
	got = compilationManagers(c, managers)
	must.MapLen(t, 2, got)
	must.MapContainsKeys(t, got, []string{"lib.h", "prec.o"})

	py, _ := LanguageByName(LanguagePython3)
	must.MapLen(t, 0, compilationManagers(py, managers))
}
