// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
)

// mutexProfileFraction samples one in this many contention events while a
// mutex profile is requested.
const mutexProfileFraction = 5

type snapshotProfile struct {
	name string
	path string
}

// profiler covers one harness run: a CPU profile from start to Stop plus
// point-in-time profiles written at Stop.
type profiler struct {
	cpuFile       *os.File
	snapshots     []snapshotProfile
	prevMutexRate int
	mutex         bool
}

func startProfiler(opts Options) (*profiler, error) {
	prof := &profiler{}
	for _, s := range []snapshotProfile{
		{name: "heap", path: opts.PprofHeap},
		{name: "allocs", path: opts.PprofAllocs},
		{name: "mutex", path: opts.PprofMutex},
	} {
		if s.path != "" {
			prof.snapshots = append(prof.snapshots, s)
		}
	}
	if opts.PprofCPU == "" && len(prof.snapshots) == 0 {
		return nil, nil //nolint:nilnil
	}
	if opts.PprofMutex != "" {
		prof.mutex = true
		prof.prevMutexRate = runtime.SetMutexProfileFraction(mutexProfileFraction)
	}

	if opts.PprofCPU == "" {
		return prof, nil
	}

	file, err := createProfileFile(opts.PprofCPU)
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(file); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("harness: start cpu profile: %w", err)
	}
	prof.cpuFile = file

	return prof, nil
}

func (p *profiler) Stop() error {
	if p == nil {
		return nil
	}

	var err error
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if closeErr := p.cpuFile.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("harness: close cpu profile: %w", closeErr))
		}
	}

	if len(p.snapshots) > 0 {
		runtime.GC()
	}
	for _, s := range p.snapshots {
		if writeErr := writeProfile(s.path, s.name); writeErr != nil {
			err = errors.Join(err, writeErr)
		}
	}
	if p.mutex {
		runtime.SetMutexProfileFraction(p.prevMutexRate)
	}

	return err
}

func writeProfile(path, name string) error {
	prof := pprof.Lookup(name)
	if prof == nil {
		return fmt.Errorf("harness: %s profile unavailable", name)
	}
	file, err := createProfileFile(path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	if err := prof.WriteTo(file, 0); err != nil {
		return fmt.Errorf("harness: write %s profile: %w", name, err)
	}

	return nil
}

func createProfileFile(path string) (*os.File, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("harness: create profile dir for %q: %w", path, err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("harness: create profile file %q: %w", path, err)
	}

	return file, nil
}
