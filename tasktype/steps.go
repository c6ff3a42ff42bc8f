// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/gavel/sandbox"
)

// Budgets for runs the contestant does not control. Compilers and
// checkers are trusted, the limits only keep a broken one from taking a
// worker down with it.
const (
	compileTimeLimit = 10 * time.Second
	compileMemory    = 512 << 20

	trustedTimeLimit = 10 * time.Second
	trustedMemory    = 4 << 30
)

// outputArtifactLimit caps the stored copy of a user test's output.
const outputArtifactLimit = 100 * 1024

// Messages surfaced to contestants.
const (
	textCompilationSucceeded = "Compilation succeeded"
	textCompilationFailed    = "Compilation failed"
	textCompilationTimedOut  = "Compilation timed out"
	textCompilationSignaled  = "Compilation killed with signal %d (could be triggered by violating memory limits)"

	textEvaluationTimedOut  = "Execution timed out"
	textEvaluationSignaled  = "Execution killed (could be triggered by violating memory limits)"
	textEvaluationNonzero   = "Execution failed because the return code was nonzero"
	textEvaluationSucceeded = "Execution completed successfully"
	textEvaluationNoOutput  = "Evaluation didn't produce file %s"

	textOutputCorrect   = "Output is correct"
	textOutputPartial   = "Output is partially correct"
	textOutputIncorrect = "Output isn't correct"

	textNoCompilationNeeded = "No compilation needed"
	textFileNotSubmitted    = "File not submitted"
)

// Names inside the checker box.
const (
	checkerFilename     = "checker"
	checkerInputName    = "input.txt"
	checkerCorrectName  = "correct_output.txt"
	checkerProducedName = "user_output.txt"
)

// runSequence executes commands one after the other in the box, folding
// their stats and stopping at the first that does not finish cleanly.
func runSequence(ctx context.Context, box sandbox.Box, commands [][]string, tmpl sandbox.Command) (*sandbox.ExecutionStats, error) {
	agg := &sandbox.ExecutionStats{Status: sandbox.StatusOK}
	for _, args := range commands {
		cmd := tmpl
		cmd.Args = args
		stats, err := box.Run(ctx, &cmd)
		if err != nil {
			return nil, err
		}
		agg.Merge(stats)
		if !stats.OK() {
			break
		}
	}
	return agg, nil
}

// runCompilation executes the compiler commands under the compile
// budgets.
func runCompilation(ctx context.Context, box sandbox.Box, commands [][]string) (*sandbox.ExecutionStats, error) {
	return runSequence(ctx, box, commands, sandbox.Command{
		TimeLimit: compileTimeLimit,
		Memory:    compileMemory,
	})
}

// compilationOutcome translates merged compiler stats into the
// contestant facing verdict and message.
func compilationOutcome(stats *sandbox.ExecutionStats) (bool, string) {
	switch stats.Status {
	case sandbox.StatusOK:
		return true, textCompilationSucceeded
	case sandbox.StatusNonzeroExit:
		return false, textCompilationFailed
	case sandbox.StatusTimeout:
		return false, textCompilationTimedOut
	case sandbox.StatusSignal:
		return false, fmt.Sprintf(textCompilationSignaled, stats.Signal)
	default:
		return false, ""
	}
}

// evaluationText is the contestant facing message for a failed run,
// empty when the run finished cleanly.
func evaluationText(stats *sandbox.ExecutionStats) string {
	switch stats.Status {
	case sandbox.StatusTimeout:
		return textEvaluationTimedOut
	case sandbox.StatusSignal:
		return textEvaluationSignaled
	case sandbox.StatusNonzeroExit:
		return textEvaluationNonzero
	default:
		return ""
	}
}

// gradeOutput grades a produced output against the testcase reference.
// With a checker digest the dataset's checker decides, otherwise a
// whitespace lenient diff does. The returned outcome is the decimal
// string the scorers consume.
func gradeOutput(ctx context.Context, env *Env, checkerDigest, inputDigest, outputDigest string, produced io.Reader) (string, string, error) {
	if checkerDigest != "" {
		return checkerStep(ctx, env, checkerDigest, inputDigest, outputDigest, produced)
	}
	return whiteDiffStep(ctx, env, outputDigest, produced)
}

// whiteDiffStep compares the produced output with the reference,
// streaming both.
func whiteDiffStep(ctx context.Context, env *Env, outputDigest string, produced io.Reader) (string, string, error) {
	reference, err := env.Cacher.GetFile(ctx, outputDigest)
	if err != nil {
		return "", "", fmt.Errorf("fetching reference output: %w", err)
	}
	defer reference.Close()

	equal, err := WhiteDiff(produced, reference)
	if err != nil {
		return "", "", err
	}
	if equal {
		return "1.0", textOutputCorrect, nil
	}
	return "0.0", textOutputIncorrect, nil
}

// checkerStep runs the dataset checker in a fresh box against the
// testcase input, the reference output and the produced output, then
// reads a standard manager output: one stdout line holding the outcome
// as a decimal and one stderr line holding the message. The message
// "translate:success|partial|wrong" selects the stock texts.
func checkerStep(ctx context.Context, env *Env, checkerDigest, inputDigest, outputDigest string, produced io.Reader) (string, string, error) {
	box, err := env.Boxes("check")
	if err != nil {
		return "", "", err
	}
	ran := false
	defer func() { releaseBox(env, box, ran) }()

	if err := stage(ctx, env, box, checkerFilename, checkerDigest, true); err != nil {
		return "", "", err
	}
	if err := stage(ctx, env, box, checkerInputName, inputDigest, false); err != nil {
		return "", "", err
	}
	if err := stage(ctx, env, box, checkerCorrectName, outputDigest, false); err != nil {
		return "", "", err
	}
	if err := box.CreateFile(checkerProducedName, produced, false); err != nil {
		return "", "", err
	}

	stats, err := box.Run(ctx, &sandbox.Command{
		Args:      []string{"./" + checkerFilename, checkerInputName, checkerCorrectName, checkerProducedName},
		TimeLimit: trustedTimeLimit,
		Memory:    trustedMemory,
	})
	if err != nil {
		return "", "", err
	}
	if !stats.OK() {
		return "", "", fmt.Errorf("checker ended with status %s", stats.Status)
	}

	outcome, text, err := parseManagerOutput(stats.Stdout, stats.Stderr)
	if err != nil {
		return "", "", err
	}
	ran = true
	return outcome, text, nil
}

// parseManagerOutput decodes a standard manager output from the captured
// checker streams.
func parseManagerOutput(stdout, stderr string) (string, string, error) {
	outcome, _, _ := strings.Cut(stdout, "\n")
	outcome = strings.TrimSpace(outcome)
	if _, err := strconv.ParseFloat(outcome, 64); err != nil {
		return "", "", fmt.Errorf("checker outcome %q is not a decimal", outcome)
	}

	text, _, _ := strings.Cut(stderr, "\n")
	text = filterANSI(strings.TrimSpace(text))
	if rest, ok := strings.CutPrefix(text, "translate:"); ok {
		// Unknown translate keys keep the literal text.
		switch strings.TrimSpace(rest) {
		case "success":
			text = textOutputCorrect
		case "partial":
			text = textOutputPartial
		case "wrong":
			text = textOutputIncorrect
		}
	}
	return outcome, text, nil
}

// filterANSI drops ANSI command sequences, ESC through the closing m,
// from a checker message.
func filterANSI(s string) string {
	var b strings.Builder
	ansi := false
	for _, r := range s {
		if r == '\033' {
			ansi = true
		}
		if !ansi {
			b.WriteRune(r)
		}
		if r == 'm' {
			ansi = false
		}
	}
	return b.String()
}
