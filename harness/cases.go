// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/pion/logging"
)

const (
	caseHandshake         = "handshake"
	caseEcho              = "echo"
	caseBurst             = "burst"
	caseMultiStream       = "multi-stream"
	caseCloseStream       = "close-stream"
	caseRetransmission    = "retransmission"
	caseFaultChecksum     = "fault-checksum"
	caseFaultBadChunkLen  = "fault-bad-chunk-len"
	caseFaultNonZeroPad   = "fault-nonzero-padding"
	caseRejectSecond      = "reject-second"
	defaultBurstMessages  = 256
	defaultBurstPayload   = 1200
	defaultFaultEvery     = 7
	defaultRetransmitLoss = 5.0
)

var defaultCases = []string{caseHandshake, caseEcho, caseBurst}

type networkProfile struct {
	Name        string
	MinDelay    time.Duration
	MaxJitter   time.Duration
	DropPercent float64
}

type casePolicy struct {
	AllowWireErrors       bool `yaml:"allow_wire_errors"`
	RequireChecksumErrors bool `yaml:"require_checksum_errors"`
	RequireParseErrors    bool `yaml:"require_parse_errors"`
	RequireRetransmits    bool `yaml:"require_retransmits"`
}

func faultPolicy(requireChecksum, requireParse bool) casePolicy {
	return casePolicy{
		AllowWireErrors:       true,
		RequireChecksumErrors: requireChecksum,
		RequireParseErrors:    requireParse,
	}
}

type caseDefinition struct {
	Name         string
	Profile      networkProfile
	Policy       casePolicy
	Fault        *faultSpec
	Messages     int
	PayloadSize  int
	Streams      int
	Echo         bool
	CloseStreams bool
	Intruder     bool
}

func (d caseDefinition) withDefaults() caseDefinition {
	if d.Streams <= 0 {
		d.Streams = 1
	}
	if d.CloseStreams && d.Messages < d.Streams {
		d.Messages = d.Streams
	}
	if d.PayloadSize < payloadHeaderSize {
		d.PayloadSize = payloadHeaderSize
	}
	if d.Profile.Name == "" {
		d.Profile.Name = d.Name
	}

	return d
}

var caseDefinitions = map[string]caseDefinition{
	caseHandshake: {
		Name: caseHandshake,
	},
	caseEcho: {
		Name:        caseEcho,
		Messages:    64,
		PayloadSize: 256,
		Echo:        true,
	},
	caseBurst: {
		Name:        caseBurst,
		Messages:    defaultBurstMessages,
		PayloadSize: defaultBurstPayload,
	},
	caseMultiStream: {
		Name:        caseMultiStream,
		Messages:    240,
		PayloadSize: 512,
		Streams:     8,
	},
	caseCloseStream: {
		Name:         caseCloseStream,
		Messages:     16,
		PayloadSize:  128,
		Streams:      4,
		CloseStreams: true,
	},
	caseRetransmission: {
		Name:        caseRetransmission,
		Messages:    defaultBurstMessages,
		PayloadSize: defaultBurstPayload,
		Profile: networkProfile{
			Name:        "lossy",
			MinDelay:    20 * time.Millisecond,
			MaxJitter:   10 * time.Millisecond,
			DropPercent: defaultRetransmitLoss,
		},
		Policy: casePolicy{RequireRetransmits: true},
	},
	caseFaultChecksum: {
		Name:        caseFaultChecksum,
		Messages:    128,
		PayloadSize: 512,
		Policy:      faultPolicy(true, false),
		Fault:       &faultSpec{Mode: faultModeChecksum, Every: defaultFaultEvery},
	},
	caseFaultBadChunkLen: {
		Name:        caseFaultBadChunkLen,
		Messages:    128,
		PayloadSize: 512,
		Policy:      faultPolicy(false, true),
		Fault:       &faultSpec{Mode: faultModeBadChunkLen, Every: defaultFaultEvery},
	},
	caseFaultNonZeroPad: {
		Name:     caseFaultNonZeroPad,
		Messages: 128,
		// Unaligned DATA chunks leave padding bytes to corrupt.
		PayloadSize: 513,
		Policy:      faultPolicy(false, true),
		Fault:       &faultSpec{Mode: faultModeNonZeroPadding, Every: defaultFaultEvery},
	},
	caseRejectSecond: {
		Name:        caseRejectSecond,
		Messages:    32,
		PayloadSize: 256,
		Intruder:    true,
	},
}

// BuiltinCases lists the names of the built-in cases in sorted order.
func BuiltinCases() []string {
	return slices.Sorted(maps.Keys(caseDefinitions))
}

func lookupCaseDefinition(registry map[string]caseDefinition, name string) (caseDefinition, error) {
	if def, ok := registry[name]; ok {
		return def.withDefaults(), nil
	}

	return caseDefinition{}, fmt.Errorf("%w: %s", errUnknownCase, name)
}

// Result is the outcome of one case iteration.
type Result struct {
	Case      string
	Link      string
	Iteration int
	Seed      int64
	Profile   networkProfile
	Passed    bool
	Errored   bool
	Details   string
	WireLog   string
	Metrics   Metrics
}

type runPlan struct {
	registry map[string]caseDefinition
	names    []string
	seed     int64
	timeout  time.Duration
	opts     Options
	lf       logging.LoggerFactory
}

func runCases(ctx context.Context, plan runPlan) ([]Result, error) {
	if len(plan.names) == 0 {
		return nil, errNoCases
	}

	var results []Result
	for _, name := range plan.names {
		def, err := lookupCaseDefinition(plan.registry, name)
		if err != nil {
			return nil, err
		}
		if plan.opts.Messages > 0 && def.Messages > 0 {
			def.Messages = plan.opts.Messages
		}
		if plan.opts.PayloadSize > 0 {
			def.PayloadSize = max(plan.opts.PayloadSize, payloadHeaderSize)
		}
		results = append(results, runCase(ctx, plan, def)...)
	}

	return results, nil
}

// resolveCaseNames picks the explicit names, else the scenario file's cases,
// else the defaults.
func resolveCaseNames(names []string, scenario []caseDefinition) []string {
	if normalized := normalizeCases(names); len(normalized) > 0 {
		return normalized
	}
	if len(scenario) > 0 {
		out := make([]string, 0, len(scenario))
		for _, def := range scenario {
			out = append(out, def.Name)
		}

		return normalizeCases(out)
	}

	return slices.Clone(defaultCases)
}

func normalizeCases(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var ordered []string
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(name)
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			ordered = append(ordered, trimmed)
		}
	}

	return ordered
}
