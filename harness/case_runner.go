// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

func runCase(ctx context.Context, plan runPlan, def caseDefinition) []Result {
	results := make([]Result, 0, plan.opts.Repeat)
	for iter := range plan.opts.Repeat {
		seed := deriveRunSeed(plan.seed, def.Name, iter+1)
		logPath := packetLogPath(plan.opts.OutDir, def.Name, plan.opts.Link, iter+1)

		iterCtx, cancel := withTimeout(ctx, plan.timeout)
		metrics, err := runIteration(iterCtx, plan, def, seed, logPath)
		cancel()

		res := Result{
			Case:      def.Name,
			Link:      plan.opts.Link,
			Iteration: iter + 1,
			Seed:      seed,
			Profile:   def.Profile,
			WireLog:   logPath,
			Metrics:   metrics,
		}
		res.Details = fmt.Sprintf("run=%d link=%s %s", iter+1, plan.opts.Link, formatMetrics(metrics))
		res.Errored = err != nil

		passed, failures := evaluateCase(res, err, def)
		res.Passed = passed
		if err != nil {
			res.Details += fmt.Sprintf(" err=%v", err)
		}
		if len(failures) > 0 {
			res.Details += " assert=" + strings.Join(failures, ",")
		}

		results = append(results, res)
	}

	return results
}

func runIteration(ctx context.Context, plan runPlan, def caseDefinition, seed int64, logPath string) (Metrics, error) {
	logger, err := newPacketLogger(logPath)
	if err != nil {
		return Metrics{}, fmt.Errorf("%s: packet logger: %w", def.Name, err)
	}
	defer func() {
		_ = logger.Close()
	}()

	names := []string{hostClient, hostServer}
	if def.Intruder {
		names = append(names, hostIntruder)
	}

	var (
		clock *simClock
		nw    network
		now   = time.Now
	)
	if plan.opts.Link == LinkMem {
		clock = newSimClock()
		now = clock.Now
	}
	faults := (*faultInjector)(nil)
	if def.Fault != nil {
		faults = newFaultInjector(*def.Fault)
	}
	filters := filterChain{
		fault: faults,
		wire:  newWireValidator(logger, now),
		loss:  newLossFilter(def.Profile.DropPercent, newRand(seed, 99)),
	}
	if clock != nil {
		nw = newMemNetwork(names, clock, filters)
	} else {
		vn, err := newVNetNetwork(names, def.Profile, filters, plan.lf)
		if err != nil {
			return Metrics{}, err
		}
		nw = vn
	}

	startCPU := readCPUSeconds()
	startTime := time.Now()

	s := newSession(def, nw, seed, plan.lf)
	runErr := s.run(ctx)
	closeErr := nw.Close()

	m := collectMetrics(s, filters.wire.Summary(), nw, faults, filters.loss)
	m.Duration = time.Since(startTime)
	m.CPUSeconds = readCPUSeconds() - startCPU
	m.Simulated = m.Duration
	if clock != nil {
		m.Simulated = clock.Elapsed()
	}
	m.GoodputBps = goodput(m.BytesDelivered, m.Simulated)

	return m, errors.Join(runErr, closeErr)
}

func evaluateCase(res Result, runErr error, def caseDefinition) (bool, []string) {
	var failures []string
	m := res.Metrics
	policy := def.Policy
	if runErr != nil {
		failures = append(failures, "run_error")
	}
	if m.Delivered < def.Messages {
		failures = append(failures, fmt.Sprintf("delivered=%d<%d", m.Delivered, def.Messages))
	}
	if def.Echo && m.Echoed < def.Messages {
		failures = append(failures, fmt.Sprintf("echoed=%d<%d", m.Echoed, def.Messages))
	}
	if def.Intruder && m.Rejected == 0 {
		failures = append(failures, "rejected=0")
	}
	if m.WireLogErrors > 0 {
		failures = append(failures, fmt.Sprintf("wire_log_errors=%d", m.WireLogErrors))
	}
	if !policy.AllowWireErrors {
		if m.WireChecksumErrs > 0 || m.WireParseErrors > 0 || m.WireShortPackets > 0 {
			failures = append(failures, fmt.Sprintf("wire_errors=%d/%d/%d",
				m.WireChecksumErrs,
				m.WireParseErrors,
				m.WireShortPackets,
			))
		}
	}
	if policy.RequireChecksumErrors && m.WireChecksumErrs == 0 {
		failures = append(failures, "checksum_errors=0")
	}
	if policy.RequireParseErrors && m.WireParseErrors == 0 {
		failures = append(failures, "parse_errors=0")
	}
	if policy.RequireRetransmits && m.Retransmits == 0 {
		failures = append(failures, "retransmits=0")
	}

	return len(failures) == 0, failures
}
