// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package harness

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type junitSuite struct {
	XMLName   xml.Name    `xml:"testsuite"`
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Errors    int         `xml:"errors,attr"`
	TestCases []junitCase `xml:"testcase"`
}

type junitCase struct {
	Classname string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	SystemOut string        `xml:"system-out,omitempty"`
	Failure   *junitFailure `xml:"failure,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr,omitempty"`
	Details string `xml:",chardata"`
}

func writeJUnitReport(path string, results []Result) error {
	if path == "" {
		return nil
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	suite := junitSuite{
		Name:     "sctpadapter-harness",
		Tests:    len(results),
		Failures: countFailures(results),
	}

	for _, res := range results {
		if res.Errored {
			suite.Errors++
		}
		name := res.Link
		if res.Iteration > 1 {
			name = fmt.Sprintf("%s#%d", name, res.Iteration)
		}
		jc := junitCase{
			Classname: "sctpadapter." + res.Case,
			Name:      name,
			Time:      fmt.Sprintf("%.3f", res.Metrics.Duration.Seconds()),
			SystemOut: res.Details,
		}
		if !res.Passed {
			jc.Failure = &junitFailure{
				Message: failureMessage(res.Details),
				Details: res.Details,
			}
		}
		suite.TestCases = append(suite.TestCases, jc)
	}

	data, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return err
	}
	data = append([]byte(xml.Header), data...)

	return os.WriteFile(filepath.Clean(path), data, 0o600)
}

// failureMessage pulls the assert list out of a result's details.
func failureMessage(details string) string {
	if _, asserts, ok := strings.Cut(details, " assert="); ok {
		return asserts
	}

	return "case failed"
}

func countFailures(results []Result) int {
	failures := 0
	for _, res := range results {
		if !res.Passed {
			failures++
		}
	}

	return failures
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	return os.MkdirAll(dir, 0o750)
}
