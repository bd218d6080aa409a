// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleScenario = `schema: 1
requires: ">= 0.2.0"
cases:
  - name: big-burst
    base: burst
    messages: 1024
    profile:
      min_delay: 30ms
      max_jitter: 5ms
      drop_percent: 1
  - name: future
    requires: ">= 9.0.0"
    messages: 1
  - name: plain
    messages: 3
    echo: true
    fault:
      mode: checksum
      every: 5
    policy:
      allow_wire_errors: true
`

func TestParseScenario(t *testing.T) {
	t.Parallel()

	set, err := parseScenario([]byte(sampleScenario), "0.3.0")
	require.NoError(t, err)
	require.Equal(t, []string{"future"}, set.Skipped)
	require.Len(t, set.Cases, 2)

	big := set.Cases[0]
	require.Equal(t, "big-burst", big.Name)
	require.Equal(t, 1024, big.Messages)
	require.Equal(t, defaultBurstPayload, big.PayloadSize)
	require.Equal(t, 30*time.Millisecond, big.Profile.MinDelay)
	require.Equal(t, 5*time.Millisecond, big.Profile.MaxJitter)
	require.InDelta(t, 1.0, big.Profile.DropPercent, 0.001)

	plain := set.Cases[1]
	require.Equal(t, 3, plain.Messages)
	require.True(t, plain.Echo)
	require.NotNil(t, plain.Fault)
	require.Equal(t, faultModeChecksum, plain.Fault.Mode)
	require.Equal(t, 5, plain.Fault.Every)
	require.True(t, plain.Policy.AllowWireErrors)
}

func TestParseScenarioBaseDoesNotMutateBuiltin(t *testing.T) {
	t.Parallel()

	_, err := parseScenario([]byte(sampleScenario), "0.3.0")
	require.NoError(t, err)
	require.Equal(t, defaultBurstMessages, caseDefinitions[caseBurst].Messages)
	require.Equal(t, caseBurst, caseDefinitions[caseBurst].Name)
}

func TestParseScenarioRequiresGate(t *testing.T) {
	t.Parallel()

	_, err := parseScenario([]byte(sampleScenario), "0.1.0")
	require.ErrorIs(t, err, errScenarioRequires)
}

func TestParseScenarioErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		data string
		err  error
	}{
		"missing schema": {data: "cases: []\n", err: errScenarioSchema},
		"empty":          {data: "", err: errScenarioSchema},
		"bad schema":     {data: "schema: 2\n", err: errScenarioSchema},
		"unnamed case":   {data: "schema: 1\ncases:\n  - messages: 1\n", err: errScenarioCaseName},
		"unknown base":   {data: "schema: 1\ncases:\n  - name: x\n    base: nope\n", err: errUnknownCase},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := parseScenario([]byte(tc.data), "0.3.0")
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestParseScenarioRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := parseScenario([]byte("schema: 1\ncases:\n  - name: x\n    mesages: 4\n"), "0.3.0")
	require.Error(t, err)

	_, err = parseScenario([]byte("schema: 1\ncases:\n  - name: x\n    profile: {min_delay: soon}\n"), "0.3.0")
	require.Error(t, err)

	_, err = parseScenario([]byte("schema: 1\nrequires: \"not a range\"\n"), "0.3.0")
	require.Error(t, err)
}

func TestCaseRegistryOverridesBuiltin(t *testing.T) {
	t.Parallel()

	registry := caseRegistry([]caseDefinition{{Name: caseEcho, Messages: 2}, {Name: "extra"}})
	require.Equal(t, 2, registry[caseEcho].Messages)
	require.Contains(t, registry, "extra")
	require.Contains(t, registry, caseBurst)
	require.Equal(t, 64, caseDefinitions[caseEcho].Messages)
}

func TestLoadScenarioFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleScenario), 0o600))

	set, err := loadScenarioFile(path, "0.3.0")
	require.NoError(t, err)
	require.Len(t, set.Cases, 2)

	_, err = loadScenarioFile(filepath.Join(t.TempDir(), "missing.yaml"), "0.3.0")
	require.Error(t, err)
}
