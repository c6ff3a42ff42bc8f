// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/gavel/sandbox"
	"github.com/hashicorp/gavel/structs"
)

// Batch parameter values.
const (
	compilationAlone  = "alone"
	compilationGrader = "grader"

	outputEvalDiff       = "diff"
	outputEvalComparator = "comparator"

	graderBasename = "grader"

	defaultInputFilename  = "input.txt"
	defaultOutputFilename = "output.txt"
)

// Batch grades classic tasks: compile the submitted source, optionally
// against a grader, run it once per testcase under the dataset limits
// and grade the produced output with a white diff or the dataset
// checker.
type Batch struct {
	compilation string
	inputFile   string // "" reads input from stdin
	outputFile  string // "" writes output to stdout
	outputEval  string
}

// NewBatch parses dataset parameters of the shape
// ["alone"|"grader", [inputFile, outputFile], "diff"|"comparator"].
func NewBatch(params json.RawMessage) (*Batch, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return nil, fmt.Errorf("batch parameters: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("batch parameters: want 3 entries, got %d", len(raw))
	}

	b := &Batch{}
	if err := json.Unmarshal(raw[0], &b.compilation); err != nil {
		return nil, fmt.Errorf("batch compilation parameter: %w", err)
	}
	switch b.compilation {
	case compilationAlone, compilationGrader:
	default:
		return nil, fmt.Errorf("batch compilation parameter %q", b.compilation)
	}

	var files []string
	if err := json.Unmarshal(raw[1], &files); err != nil {
		return nil, fmt.Errorf("batch io parameter: %w", err)
	}
	if len(files) != 2 {
		return nil, fmt.Errorf("batch io parameter: want [input, output], got %d entries", len(files))
	}
	b.inputFile, b.outputFile = files[0], files[1]

	if err := json.Unmarshal(raw[2], &b.outputEval); err != nil {
		return nil, fmt.Errorf("batch evaluation parameter: %w", err)
	}
	switch b.outputEval {
	case outputEvalDiff, outputEvalComparator:
	default:
		return nil, fmt.Errorf("batch evaluation parameter %q", b.outputEval)
	}
	return b, nil
}

func (b *Batch) Name() string { return TaskTypeBatch }

func (b *Batch) usesGrader() bool  { return b.compilation == compilationGrader }
func (b *Batch) usesChecker() bool { return b.outputEval == outputEvalComparator }

// actualInput is the box file holding the testcase input, regardless of
// whether the program reads it from stdin or by name.
func (b *Batch) actualInput() string {
	if b.inputFile == "" {
		return defaultInputFilename
	}
	return b.inputFile
}

// actualOutput is the box file the output is expected in.
func (b *Batch) actualOutput() string {
	if b.outputFile == "" {
		return defaultOutputFilename
	}
	return b.outputFile
}

// UserManagers lets contestants ship their own grader with user tests
// when the task links one, usually a simplified version of the real
// grader.
func (b *Batch) UserManagers() []string {
	if b.usesGrader() {
		return []string{graderBasename + ".%l"}
	}
	return nil
}

func (b *Batch) Testable() bool                { return true }
func (b *Batch) AllowPartialSubmission() bool  { return false }
func (b *Batch) ReusePreviousSubmission() bool { return true }

// Compile builds the submitted sources into a single executable.
func (b *Batch) Compile(ctx context.Context, job *CompileJob, env *Env) (*structs.CompilationResult, error) {
	lang, err := LanguageByName(job.Language)
	if err != nil {
		return nil, err
	}
	if len(job.Files) == 0 {
		return nil, fmt.Errorf("submission has no files")
	}

	// The grader goes first on the compiler command line, then the
	// submitted sources.
	var sources []string
	toStage := make(map[string]string)
	if b.usesGrader() {
		grader := graderBasename + lang.SourceExtension()
		digest, ok := job.Managers[grader]
		if !ok {
			return nil, fmt.Errorf("dataset is missing manager %q", grader)
		}
		sources = append(sources, grader)
		toStage[grader] = digest
	}
	for _, codename := range slices.Sorted(maps.Keys(job.Files)) {
		if !strings.HasSuffix(codename, ".%l") {
			continue
		}
		name := strings.ReplaceAll(codename, ".%l", lang.SourceExtension())
		sources = append(sources, name)
		toStage[name] = job.Files[codename]
	}
	for name, digest := range compilationManagers(lang, job.Managers) {
		toStage[name] = digest
	}

	executable := executableFilename(slices.Collect(maps.Keys(job.Files)))
	commands := lang.CompilationCommands(sources, executable)

	box, err := env.Boxes("compile")
	if err != nil {
		return nil, err
	}
	ran := false
	defer func() { releaseBox(env, box, ran) }()

	for name, digest := range toStage {
		if err := stage(ctx, env, box, name, digest, false); err != nil {
			return nil, err
		}
	}

	stats, err := runCompilation(ctx, box, commands)
	if err != nil {
		return nil, err
	}

	compiled, text := compilationOutcome(stats)
	res := &structs.CompilationResult{
		Outcome:       structs.CompilationOutcomeFail,
		Text:          text,
		Stdout:        stats.Stdout,
		Stderr:        stats.Stderr,
		Time:          stats.Time,
		WallClockTime: stats.WallTime,
		Memory:        stats.Memory,
	}
	if compiled {
		digest, err := env.Cacher.PutFileFromPath(ctx,
			filepath.Join(box.Path(), executable),
			fmt.Sprintf("Executable %s for %s", executable, job.Info))
		if err != nil {
			return nil, err
		}
		res.Outcome = structs.CompilationOutcomeOK
		res.Executables = map[string]string{executable: digest}
	}
	ran = true
	return res, nil
}

// Evaluate runs the executable on one testcase and grades its output.
func (b *Batch) Evaluate(ctx context.Context, job *EvaluateJob, env *Env) (*structs.EvaluationResult, error) {
	lang, err := LanguageByName(job.Language)
	if err != nil {
		return nil, err
	}
	if len(job.Executables) != 1 {
		return nil, fmt.Errorf("job holds %d executables, want exactly 1; consider invalidating the compilation", len(job.Executables))
	}
	var checkerDigest string
	if b.usesChecker() {
		d, ok := job.Managers[checkerFilename]
		if !ok {
			return nil, fmt.Errorf("dataset is missing manager %q", checkerFilename)
		}
		checkerDigest = d
	}

	var executable, exeDigest string
	for name, digest := range job.Executables {
		executable, exeDigest = name, digest
	}

	var stdin, stdout string
	if b.inputFile == "" {
		stdin = b.actualInput()
	}
	if b.outputFile == "" {
		stdout = b.actualOutput()
	}

	box, err := env.Boxes("evaluate")
	if err != nil {
		return nil, err
	}
	ran := false
	defer func() { releaseBox(env, box, ran) }()

	if err := stage(ctx, env, box, executable, exeDigest, true); err != nil {
		return nil, err
	}
	if err := stage(ctx, env, box, b.actualInput(), job.InputDigest, false); err != nil {
		return nil, err
	}

	stats, err := runSequence(ctx, box, lang.EvaluationCommands(executable), sandbox.Command{
		Stdin:     stdin,
		Stdout:    stdout,
		TimeLimit: time.Duration(job.TimeLimit * float64(time.Second)),
		Memory:    job.MemoryLimit,
	})
	if err != nil {
		return nil, err
	}

	res := &structs.EvaluationResult{
		Time:          stats.Time,
		WallClockTime: stats.WallTime,
		Memory:        stats.Memory,
	}

	switch {
	case !stats.OK():
		res.Outcome = "0.0"
		res.Text = evaluationText(stats)

	case !box.FileExists(b.actualOutput()):
		res.Outcome = "0.0"
		res.Text = fmt.Sprintf(textEvaluationNoOutput, b.actualOutput())

	default:
		if job.GetOutput {
			digest, err := storeOutput(ctx, env, box, b.actualOutput(), job.Info)
			if err != nil {
				return nil, err
			}
			res.UserOutputDigest = digest
		}
		if job.OnlyExecution {
			res.Outcome = "0.0"
			res.Text = textEvaluationSucceeded
			break
		}
		produced, err := box.GetFile(b.actualOutput())
		if err != nil {
			return nil, err
		}
		outcome, text, err := gradeOutput(ctx, env, checkerDigest,
			job.InputDigest, job.OutputDigest, produced)
		produced.Close()
		if err != nil {
			return nil, err
		}
		res.Outcome, res.Text = outcome, text
	}

	ran = true
	return res, nil
}

// storeOutput stores the produced output as a contestant visible
// artifact, truncated to outputArtifactLimit.
func storeOutput(ctx context.Context, env *Env, box sandbox.Box, name, info string) (string, error) {
	f, err := box.GetFile(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, outputArtifactLimit))
	if err != nil {
		return "", err
	}
	return env.Cacher.PutFileContent(ctx, content, fmt.Sprintf("Output file in job %s", info))
}
