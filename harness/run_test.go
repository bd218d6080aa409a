// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func memOptions(cases ...string) Options {
	opts := DefaultOptions()
	opts.Cases = cases
	opts.Seed = 99

	return opts
}

func TestRunBuiltinCasesOverMem(t *testing.T) {
	t.Parallel()

	for _, name := range BuiltinCases() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			results, err := Run(context.Background(), memOptions(name))
			require.NoError(t, err)
			require.Len(t, results, 1)
			res := results[0]
			require.True(t, res.Passed, res.Details)
			require.False(t, res.Errored)
			require.Equal(t, name, res.Case)
			require.Equal(t, LinkMem, res.Link)
			require.Positive(t, res.Metrics.DatagramsSent)
			require.Zero(t, res.Metrics.Overflow)
		})
	}
}

func TestRunFaultCasesInjectFaults(t *testing.T) {
	t.Parallel()

	results, err := Run(context.Background(), memOptions(caseFaultChecksum, caseRetransmission))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Positive(t, results[0].Metrics.FaultsInjected)
	require.Positive(t, results[0].Metrics.WireChecksumErrs)
	require.Positive(t, results[1].Metrics.Dropped)
	require.Positive(t, results[1].Metrics.Retransmits)
}

func TestRunDeterministicOverMem(t *testing.T) {
	t.Parallel()

	first, err := Run(context.Background(), memOptions(caseEcho))
	require.NoError(t, err)
	second, err := Run(context.Background(), memOptions(caseEcho))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		require.Equal(t, first[i].Seed, second[i].Seed)
		require.Equal(t, first[i].Metrics.DatagramsSent, second[i].Metrics.DatagramsSent)
		require.Equal(t, first[i].Metrics.BytesSent, second[i].Metrics.BytesSent)
		require.Equal(t, first[i].Metrics.Simulated, second[i].Metrics.Simulated)
		require.Equal(t, first[i].Metrics.LatencyP50, second[i].Metrics.LatencyP50)
	}
}

func TestRunRepeat(t *testing.T) {
	t.Parallel()

	opts := memOptions(caseHandshake)
	opts.Repeat = 3
	results, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		require.Equal(t, i+1, res.Iteration)
	}
	require.NotEqual(t, results[0].Seed, results[1].Seed)
}

func TestRunOverrides(t *testing.T) {
	t.Parallel()

	opts := memOptions(caseBurst, caseHandshake)
	opts.Messages = 10
	opts.PayloadSize = 64
	results, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 10, results[0].Metrics.Delivered)
	require.Equal(t, uint64(640), results[0].Metrics.BytesDelivered)
	require.Zero(t, results[1].Metrics.Target)
}

func TestRunWritesArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := memOptions(caseHandshake, caseEcho)
	opts.OutDir = filepath.Join(dir, "out")
	opts.JUnitPath = filepath.Join(dir, "reports", "junit.xml")
	opts.Messages = 4

	results, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, results, 2)

	seed, err := os.ReadFile(filepath.Join(opts.OutDir, "seed.txt"))
	require.NoError(t, err)
	require.Equal(t, "99\n", string(seed))

	var config runConfig
	data, err := os.ReadFile(filepath.Join(opts.OutDir, "config.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &config))
	require.Equal(t, []string{caseHandshake, caseEcho}, config.Cases)
	require.Equal(t, LinkMem, config.Link)
	require.Len(t, config.Definitions, 2)
	require.Equal(t, 4, config.Overrides.Messages)

	var doc runResults
	data, err = os.ReadFile(filepath.Join(opts.OutDir, "results.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Results, 2)
	require.True(t, doc.Results[1].Passed)
	require.Equal(t, 4, doc.Results[1].Metrics.Echoed)
	require.NotEmpty(t, doc.Results[1].Metrics.WireChunks)

	for _, res := range results {
		info, err := os.Stat(res.WireLog)
		require.NoError(t, err)
		require.Positive(t, info.Size())
	}

	var suite junitSuite
	data, err = os.ReadFile(opts.JUnitPath)
	require.NoError(t, err)
	require.NoError(t, xml.Unmarshal(data, &suite))
	require.Equal(t, 2, suite.Tests)
	require.Zero(t, suite.Failures)
	require.Equal(t, "sctpadapter."+caseEcho, suite.TestCases[1].Classname)
}

func TestRunWithScenarioFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cases.yaml")
	scenario := "schema: 1\ncases:\n  - name: tiny-echo\n    base: echo\n    messages: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o600))

	opts := memOptions()
	opts.ConfigPath = path
	results, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "tiny-echo", results[0].Case)
	require.Equal(t, 3, results[0].Metrics.Echoed)
}

func TestRunRejectsBadOptions(t *testing.T) {
	t.Parallel()

	opts := memOptions(caseHandshake)
	opts.Repeat = 0
	_, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errInvalidRepeat)

	opts = memOptions(caseHandshake)
	opts.Link = "carrier-pigeon"
	_, err = Run(context.Background(), opts)
	require.ErrorIs(t, err, errUnknownLink)

	opts = memOptions(caseHandshake)
	opts.Timeout = "soon"
	_, err = Run(context.Background(), opts)
	require.ErrorIs(t, err, errInvalidTimeout)

	_, err = Run(context.Background(), memOptions("nope"))
	require.ErrorIs(t, err, errUnknownCase)
}

func TestRunReportsFailures(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cases.yaml")
	// Requires checksum errors but injects none.
	scenario := "schema: 1\ncases:\n  - name: no-faults\n    messages: 2\n" +
		"    policy: {require_checksum_errors: true}\n"
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o600))

	opts := memOptions()
	opts.ConfigPath = path
	results, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errScenarioFailed)
	require.Len(t, results, 1)
	require.False(t, results[0].Passed)
	require.Contains(t, results[0].Details, "assert=checksum_errors=0")

	var out bytes.Buffer
	PrintResults(&out, results)
	require.True(t, strings.HasPrefix(out.String(), "[no-faults] FAIL"))
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Run(ctx, memOptions(caseHandshake))
	require.ErrorIs(t, err, errScenarioFailed)
	require.Len(t, results, 1)
	require.True(t, results[0].Errored)
	require.Contains(t, results[0].Details, "context canceled")
}
