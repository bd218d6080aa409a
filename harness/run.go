// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sctpadapter/adapter"
)

// Run executes the selected cases and writes the requested artifacts. The
// results are returned even when some cases fail; the error then wraps
// errScenarioFailed.
func Run(ctx context.Context, opts Options) ([]Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	timeout, err := parseTimeout(opts.Timeout)
	if err != nil {
		return nil, err
	}

	var scenario scenarioSet
	if opts.ConfigPath != "" {
		scenario, err = loadScenarioFile(opts.ConfigPath, adapter.Version)
		if err != nil {
			return nil, err
		}
	}

	plan := runPlan{
		registry: caseRegistry(scenario.Cases),
		names:    resolveCaseNames(opts.Cases, scenario.Cases),
		seed:     resolveSeed(opts.Seed),
		timeout:  timeout,
		opts:     opts,
		lf:       newLoggerFactory(opts.Verbose),
	}
	for _, name := range plan.names {
		if _, err := lookupCaseDefinition(plan.registry, name); err != nil {
			return nil, err
		}
	}

	prof, err := startProfiler(opts)
	if err != nil {
		return nil, err
	}
	results, runErr := runCases(ctx, plan)
	if stopErr := prof.Stop(); stopErr != nil {
		runErr = errors.Join(runErr, stopErr)
	}
	if runErr != nil {
		return results, runErr
	}

	if err := writeArtifacts(artifactInput{
		opts:     opts,
		plan:     plan,
		skipped:  scenario.Skipped,
		results:  results,
		finished: time.Now(),
	}); err != nil {
		return results, err
	}
	if err := writeJUnitReport(opts.JUnitPath, results); err != nil {
		return results, err
	}

	if failures := countFailures(results); failures > 0 {
		return results, fmt.Errorf("%w: %d failing cases", errScenarioFailed, failures)
	}

	return results, nil
}

// PrintResults writes one line per result.
func PrintResults(w io.Writer, results []Result) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(w, "harness: no cases executed")

		return
	}

	for _, res := range results {
		label := res.Case
		if res.Iteration > 1 {
			label = fmt.Sprintf("%s#%d", label, res.Iteration)
		}
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "[%s] %s %s\n", label, status, res.Details)
	}
}

func newLoggerFactory(verbose bool) logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.Writer = os.Stderr
	if verbose {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}

	return lf
}
