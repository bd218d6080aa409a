// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/sctpadapter/adapter"
)

type runConfig struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	AdapterVersion string         `json:"adapter_version"`
	Link           string         `json:"link"`
	ConfigPath     string         `json:"config_path,omitempty"`
	Cases          []string       `json:"cases"`
	Skipped        []string       `json:"skipped,omitempty"`
	Timeout        string         `json:"timeout"`
	Repeat         int            `json:"repeat"`
	Seed           int64          `json:"seed"`
	Definitions    []caseRecord   `json:"definitions"`
	Pprof          pprofRecord    `json:"pprof,omitempty"`
	Overrides      overrideRecord `json:"overrides,omitempty"`
}

type overrideRecord struct {
	Messages    int `json:"messages,omitempty"`
	PayloadSize int `json:"payload_size,omitempty"`
}

type pprofRecord struct {
	CPU    string `json:"cpu,omitempty"`
	Heap   string `json:"heap,omitempty"`
	Allocs string `json:"allocs,omitempty"`
	Mutex  string `json:"mutex,omitempty"`
}

type caseRecord struct {
	Case                  string        `json:"case"`
	Profile               profileRecord `json:"profile"`
	Messages              int           `json:"messages"`
	PayloadSize           int           `json:"payload_size"`
	Streams               int           `json:"streams"`
	Echo                  bool          `json:"echo,omitempty"`
	CloseStreams          bool          `json:"close_streams,omitempty"`
	Intruder              bool          `json:"intruder,omitempty"`
	AllowWireErrors       bool          `json:"allow_wire_errors,omitempty"`
	RequireChecksumErrors bool          `json:"require_checksum_errors,omitempty"`
	RequireParseErrors    bool          `json:"require_parse_errors,omitempty"`
	RequireRetransmits    bool          `json:"require_retransmits,omitempty"`
	Fault                 string        `json:"fault,omitempty"`
	FaultEvery            int           `json:"fault_every,omitempty"`
}

type runResults struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Seed        int64          `json:"seed"`
	Results     []resultRecord `json:"results"`
}

type resultRecord struct {
	Case      string        `json:"case"`
	Link      string        `json:"link"`
	Iteration int           `json:"iteration"`
	Seed      int64         `json:"seed"`
	Profile   profileRecord `json:"profile"`
	Passed    bool          `json:"passed"`
	Errored   bool          `json:"errored"`
	Details   string        `json:"details,omitempty"`
	WireLog   string        `json:"wire_log,omitempty"`
	Metrics   metricsRecord `json:"metrics"`
}

type profileRecord struct {
	Name        string  `json:"name,omitempty"`
	MinDelay    string  `json:"min_delay"`
	MaxJitter   string  `json:"max_jitter"`
	DropPercent float64 `json:"drop_percent"`
}

type metricsRecord struct {
	DurationNs       int64          `json:"duration_ns"`
	Duration         string         `json:"duration"`
	SimulatedNs      int64          `json:"simulated_ns"`
	CPUSeconds       float64        `json:"cpu_seconds"`
	Target           int            `json:"target"`
	Delivered        int            `json:"delivered"`
	Echoed           int            `json:"echoed"`
	LatencyP50Ns     int64          `json:"latency_p50_ns"`
	LatencyP90Ns     int64          `json:"latency_p90_ns"`
	LatencyP99Ns     int64          `json:"latency_p99_ns"`
	DatagramsSent    uint64         `json:"datagrams_sent"`
	BytesSent        uint64         `json:"bytes_sent"`
	BytesDelivered   uint64         `json:"bytes_delivered"`
	Retransmits      uint64         `json:"retransmits"`
	Timeouts         int            `json:"timeouts"`
	Rejected         int            `json:"rejected"`
	Dropped          int            `json:"dropped"`
	Overflow         int            `json:"overflow"`
	FaultsInjected   int            `json:"faults_injected"`
	WirePackets      int            `json:"wire_packets"`
	WireChecksumErrs int            `json:"wire_checksum_errors"`
	WireParseErrors  int            `json:"wire_parse_errors"`
	WireShortPackets int            `json:"wire_short_packets"`
	WireLogErrors    int            `json:"wire_log_errors"`
	WireChunks       map[string]int `json:"wire_chunks,omitempty"`
	GoodputBps       float64        `json:"goodput_bps"`
}

type artifactInput struct {
	opts     Options
	plan     runPlan
	skipped  []string
	results  []Result
	finished time.Time
}

func writeArtifacts(in artifactInput) error {
	if in.opts.OutDir == "" {
		return nil
	}

	dir := filepath.Clean(in.opts.OutDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("harness: out-dir: %w", err)
	}

	generatedAt := in.finished.UTC()
	config := runConfig{
		GeneratedAt:    generatedAt,
		AdapterVersion: adapter.Version,
		Link:           in.opts.Link,
		ConfigPath:     in.opts.ConfigPath,
		Cases:          in.plan.names,
		Skipped:        in.skipped,
		Timeout:        in.plan.timeout.String(),
		Repeat:         in.opts.Repeat,
		Seed:           in.plan.seed,
		Definitions:    collectCaseRecords(in.plan),
		Pprof: pprofRecord{
			CPU:    in.opts.PprofCPU,
			Heap:   in.opts.PprofHeap,
			Allocs: in.opts.PprofAllocs,
			Mutex:  in.opts.PprofMutex,
		},
		Overrides: overrideRecord{
			Messages:    in.opts.Messages,
			PayloadSize: in.opts.PayloadSize,
		},
	}
	resultsDoc := runResults{
		GeneratedAt: generatedAt,
		Seed:        in.plan.seed,
		Results:     convertResults(in.results),
	}

	if err := writeJSON(filepath.Join(dir, "config.json"), config); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "results.json"), resultsDoc); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "seed.txt"), fmt.Appendf(nil, "%d\n", in.plan.seed), 0o600); err != nil {
		return fmt.Errorf("harness: write seed: %w", err)
	}

	return nil
}

func collectCaseRecords(plan runPlan) []caseRecord {
	records := make([]caseRecord, 0, len(plan.names))
	for _, name := range plan.names {
		def, err := lookupCaseDefinition(plan.registry, name)
		if err != nil {
			records = append(records, caseRecord{Case: name})

			continue
		}
		record := caseRecord{
			Case:                  def.Name,
			Profile:               profileRecordFromProfile(def.Profile),
			Messages:              def.Messages,
			PayloadSize:           def.PayloadSize,
			Streams:               def.Streams,
			Echo:                  def.Echo,
			CloseStreams:          def.CloseStreams,
			Intruder:              def.Intruder,
			AllowWireErrors:       def.Policy.AllowWireErrors,
			RequireChecksumErrors: def.Policy.RequireChecksumErrors,
			RequireParseErrors:    def.Policy.RequireParseErrors,
			RequireRetransmits:    def.Policy.RequireRetransmits,
		}
		if def.Fault != nil {
			record.Fault = string(def.Fault.Mode)
			record.FaultEvery = def.Fault.Every
		}
		records = append(records, record)
	}

	return records
}

func convertResults(results []Result) []resultRecord {
	out := make([]resultRecord, 0, len(results))
	for _, res := range results {
		out = append(out, resultRecord{
			Case:      res.Case,
			Link:      res.Link,
			Iteration: res.Iteration,
			Seed:      res.Seed,
			Profile:   profileRecordFromProfile(res.Profile),
			Passed:    res.Passed,
			Errored:   res.Errored,
			Details:   res.Details,
			WireLog:   res.WireLog,
			Metrics:   metricsRecordFromMetrics(res.Metrics),
		})
	}

	return out
}

func profileRecordFromProfile(profile networkProfile) profileRecord {
	return profileRecord{
		Name:        profile.Name,
		MinDelay:    profile.MinDelay.String(),
		MaxJitter:   profile.MaxJitter.String(),
		DropPercent: profile.DropPercent,
	}
}

func metricsRecordFromMetrics(m Metrics) metricsRecord {
	return metricsRecord{
		DurationNs:       m.Duration.Nanoseconds(),
		Duration:         m.Duration.String(),
		SimulatedNs:      m.Simulated.Nanoseconds(),
		CPUSeconds:       m.CPUSeconds,
		Target:           m.Target,
		Delivered:        m.Delivered,
		Echoed:           m.Echoed,
		LatencyP50Ns:     m.LatencyP50.Nanoseconds(),
		LatencyP90Ns:     m.LatencyP90.Nanoseconds(),
		LatencyP99Ns:     m.LatencyP99.Nanoseconds(),
		DatagramsSent:    m.DatagramsSent,
		BytesSent:        m.BytesSent,
		BytesDelivered:   m.BytesDelivered,
		Retransmits:      m.Retransmits,
		Timeouts:         m.Timeouts,
		Rejected:         m.Rejected,
		Dropped:          m.Dropped,
		Overflow:         m.Overflow,
		FaultsInjected:   m.FaultsInjected,
		WirePackets:      m.WirePackets,
		WireChecksumErrs: m.WireChecksumErrs,
		WireParseErrors:  m.WireParseErrors,
		WireShortPackets: m.WireShortPackets,
		WireLogErrors:    m.WireLogErrors,
		WireChunks:       m.WireChunks,
		GoodputBps:       m.GoodputBps,
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("harness: marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	return os.WriteFile(filepath.Clean(path), data, 0o600)
}
