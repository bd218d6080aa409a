// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

const scenarioSchema = 1

// scenarioFile is the YAML form of a set of cases:
//
//	schema: 1
//	requires: ">= 0.3.0"
//	cases:
//	  - name: big-burst
//	    base: burst
//	    messages: 1024
//	    profile: {min_delay: 30ms, drop_percent: 1}
type scenarioFile struct {
	Schema   int            `yaml:"schema"`
	Requires string         `yaml:"requires"`
	Cases    []scenarioCase `yaml:"cases"`
}

type scenarioCase struct {
	Name         string           `yaml:"name"`
	Base         string           `yaml:"base"`
	Requires     string           `yaml:"requires"`
	Messages     *int             `yaml:"messages"`
	PayloadSize  *int             `yaml:"payload_size"`
	Streams      *int             `yaml:"streams"`
	Echo         *bool            `yaml:"echo"`
	CloseStreams *bool            `yaml:"close_streams"`
	Intruder     *bool            `yaml:"intruder"`
	Profile      *scenarioProfile `yaml:"profile"`
	Fault        *faultSpec       `yaml:"fault"`
	Policy       *casePolicy      `yaml:"policy"`
}

type scenarioProfile struct {
	Name        string  `yaml:"name"`
	MinDelay    string  `yaml:"min_delay"`
	MaxJitter   string  `yaml:"max_jitter"`
	DropPercent float64 `yaml:"drop_percent"`
}

// scenarioSet is a loaded file: the cases that apply to this build and the
// names gated out by their requires constraint.
type scenarioSet struct {
	Cases   []caseDefinition
	Skipped []string
}

func loadScenarioFile(path, version string) (scenarioSet, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return scenarioSet{}, fmt.Errorf("harness: read scenario: %w", err)
	}

	return parseScenario(data, version)
}

func parseScenario(data []byte, version string) (scenarioSet, error) {
	var file scenarioFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return scenarioSet{}, fmt.Errorf("harness: parse scenario: %w", err)
	}
	if file.Schema != scenarioSchema {
		return scenarioSet{}, fmt.Errorf("%w: %d", errScenarioSchema, file.Schema)
	}
	ok, err := satisfies(file.Requires, version)
	if err != nil {
		return scenarioSet{}, err
	}
	if !ok {
		return scenarioSet{}, fmt.Errorf("%w: %s does not satisfy %q", errScenarioRequires, version, file.Requires)
	}

	var set scenarioSet
	for i, sc := range file.Cases {
		if strings.TrimSpace(sc.Name) == "" {
			return scenarioSet{}, fmt.Errorf("%w: index %d", errScenarioCaseName, i)
		}
		ok, err := satisfies(sc.Requires, version)
		if err != nil {
			return scenarioSet{}, fmt.Errorf("harness: case %s: %w", sc.Name, err)
		}
		if !ok {
			set.Skipped = append(set.Skipped, sc.Name)

			continue
		}
		def, err := sc.definition()
		if err != nil {
			return scenarioSet{}, fmt.Errorf("harness: case %s: %w", sc.Name, err)
		}
		set.Cases = append(set.Cases, def)
	}

	return set, nil
}

func satisfies(constraint, version string) (bool, error) {
	if strings.TrimSpace(constraint) == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("harness: requires %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("harness: version %q: %w", version, err)
	}

	return c.Check(v), nil
}

func (sc scenarioCase) definition() (caseDefinition, error) {
	def := caseDefinition{Name: sc.Name}
	if sc.Base != "" {
		base, ok := caseDefinitions[sc.Base]
		if !ok {
			return caseDefinition{}, fmt.Errorf("%w: base %s", errUnknownCase, sc.Base)
		}
		def = base
		def.Name = sc.Name
		def.Profile.Name = ""
	}

	setIfPresent(&def.Messages, sc.Messages)
	setIfPresent(&def.PayloadSize, sc.PayloadSize)
	setIfPresent(&def.Streams, sc.Streams)
	setIfPresent(&def.Echo, sc.Echo)
	setIfPresent(&def.CloseStreams, sc.CloseStreams)
	setIfPresent(&def.Intruder, sc.Intruder)
	if sc.Policy != nil {
		def.Policy = *sc.Policy
	}
	if sc.Fault != nil {
		fault := *sc.Fault
		def.Fault = &fault
	}
	if sc.Profile != nil {
		profile, err := sc.Profile.profile()
		if err != nil {
			return caseDefinition{}, err
		}
		def.Profile = profile
	}

	return def, nil
}

func (p scenarioProfile) profile() (networkProfile, error) {
	out := networkProfile{Name: p.Name, DropPercent: p.DropPercent}
	var err error
	if out.MinDelay, err = parseOptionalDuration(p.MinDelay); err != nil {
		return networkProfile{}, fmt.Errorf("min_delay: %w", err)
	}
	if out.MaxJitter, err = parseOptionalDuration(p.MaxJitter); err != nil {
		return networkProfile{}, fmt.Errorf("max_jitter: %w", err)
	}

	return out, nil
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}

	return time.ParseDuration(raw)
}

func setIfPresent[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// caseRegistry merges scenario cases over the built-ins; a scenario case
// with a built-in name replaces it.
func caseRegistry(scenario []caseDefinition) map[string]caseDefinition {
	registry := maps.Clone(caseDefinitions)
	for _, def := range scenario {
		registry[def.Name] = def
	}

	return registry
}
