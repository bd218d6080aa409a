// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package harness drives pairs of adapters against each other over an
// in-process bus or a virtual UDP network and reports per-case results.
package harness

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	LinkMem  = "mem"
	LinkVNet = "vnet"

	DefaultLink    = LinkMem
	DefaultTimeout = "30s"
)

// Options configures a harness run. Empty Cases selects the scenario file's
// cases, or the defaults without one.
type Options struct {
	Cases       []string
	ConfigPath  string
	Link        string
	Timeout     string
	Seed        int64
	Repeat      int
	JUnitPath   string
	OutDir      string
	PprofCPU    string
	PprofHeap   string
	PprofAllocs string
	PprofMutex  string
	Verbose     bool
	// Messages and PayloadSize override the built-in workload when positive.
	Messages    int
	PayloadSize int
}

func DefaultOptions() Options {
	return Options{
		Link:    DefaultLink,
		Timeout: DefaultTimeout,
		Repeat:  1,
	}
}

func (o Options) validate() error {
	if o.Repeat <= 0 {
		return errInvalidRepeat
	}
	switch o.Link {
	case LinkMem, LinkVNet:
	default:
		return fmt.Errorf("%w: %q", errUnknownLink, o.Link)
	}

	return nil
}

func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultTimeout
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("%w: %s", errInvalidTimeout, raw)
	}

	return parsed, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}
