// Package testlist contains the data model for the discovery output that
// nextest consumes: the full list of test binaries and the test cases inside
// them. The document is produced by a separate discovery step and is
// read-only during execution.
package testlist

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Summary is the root element of a serialized test list.
type Summary struct {
	// Build metadata shared by all suites.
	RustMetadata MetadataSummary `json:"rust-metadata"`

	// Number of tests (including skipped and ignored) across all binaries.
	TestCount int `json:"test-count"`

	// Test suites keyed by a unique identifier for each binary.
	RustSuites map[string]*SuiteSummary `json:"rust-suites"`
}

// MetadataSummary holds build metadata used for test runs.
type MetadataSummary struct {
	TargetDirectory       string   `json:"target-directory"`
	BaseOutputDirectories []string `json:"base-output-directories"`
	LinkedPaths           []string `json:"linked-paths"`
}

// BuildPlatform is the platform a binary was built for.
type BuildPlatform string

// The allowed build platforms.
const (
	BuildPlatformTarget BuildPlatform = "target"
	BuildPlatformHost   BuildPlatform = "host"
)

// UnmarshalJSON validates the platform on the way in.
func (b *BuildPlatform) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch BuildPlatform(str) {
	case BuildPlatformTarget, BuildPlatformHost:
		*b = BuildPlatform(str)
		return nil
	}
	return fmt.Errorf("invalid build platform %q", str)
}

// BinarySummary describes a single test binary.
type BinarySummary struct {
	// A unique binary ID.
	BinaryID string `json:"binary-id"`

	// The name of the test binary within the package.
	BinaryName string `json:"binary-name"`

	// The unique package ID assigned to this test by the build system.
	PackageID string `json:"package-id"`

	// The path to the test binary executable.
	BinaryPath string `json:"binary-path"`

	// Platform for which this binary was built.
	BuildPlatform BuildPlatform `json:"build-platform"`
}

// SuiteSummary is a suite of tests within a single test binary.
type SuiteSummary struct {
	// The name of this package in the workspace.
	PackageName string `json:"package-name"`

	// The binary within the package. Serialized inline with the suite.
	BinarySummary

	// The working directory that tests within this suite are run in.
	Cwd string `json:"cwd"`

	// Test case names and other information about them.
	Testcases map[string]CaseSummary `json:"testcases"`
}

// CaseSummary is the information about an individual test case.
type CaseSummary struct {
	// True if this test is marked ignored. Ignored tests, if run, are
	// executed with the `--ignored` argument.
	Ignored bool `json:"ignored"`

	// Whether the test matches the provided test filter. Only tests that
	// match the filter are run.
	FilterMatch FilterMatch `json:"filter-match"`
}

// MismatchReason is the reason a test doesn't match a filter.
type MismatchReason string

// The mismatch reasons.
const (
	MismatchIgnored   MismatchReason = "ignored"
	MismatchString    MismatchReason = "string"
	MismatchPartition MismatchReason = "partition"
)

// String returns a human-readable description of the reason.
func (m MismatchReason) String() string {
	switch m {
	case MismatchIgnored:
		return "does not match the run-ignored option"
	case MismatchString:
		return "does not match the provided string filters"
	case MismatchPartition:
		return "is in a different partition"
	}
	return string(m)
}

// FilterMatch describes whether a test matches a filter. Serialized as a
// tagged union with a "status" discriminator.
type FilterMatch struct {
	Matches bool
	Reason  MismatchReason
}

type filterMatchJSON struct {
	Status string          `json:"status"`
	Reason *MismatchReason `json:"reason,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (f FilterMatch) MarshalJSON() ([]byte, error) {
	if f.Matches {
		return json.Marshal(filterMatchJSON{Status: "matches"})
	}
	reason := f.Reason
	return json.Marshal(filterMatchJSON{Status: "mismatch", Reason: &reason})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FilterMatch) UnmarshalJSON(data []byte) error {
	var raw filterMatchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Status {
	case "matches":
		*f = FilterMatch{Matches: true}
	case "mismatch":
		if raw.Reason == nil {
			return fmt.Errorf("filter-match with status %q is missing a reason", raw.Status)
		}
		switch *raw.Reason {
		case MismatchIgnored, MismatchString, MismatchPartition:
		default:
			return fmt.Errorf("invalid mismatch reason %q", *raw.Reason)
		}
		*f = FilterMatch{Matches: false, Reason: *raw.Reason}
	default:
		return fmt.Errorf("invalid filter-match status %q", raw.Status)
	}
	return nil
}

// TestInstance is the unique pairing of a test binary and a test case name.
type TestInstance struct {
	SuiteID string
	Suite   *SuiteSummary
	Name    string
	Case    CaseSummary
}

// ID returns the canonical "binary-id::test-name" identifier.
func (ti TestInstance) ID() string {
	return ti.SuiteID + "::" + ti.Name
}

// Parse reads and validates a test list document.
func Parse(r io.Reader) (*Summary, error) {
	var summary Summary
	dec := json.NewDecoder(r)
	if err := dec.Decode(&summary); err != nil {
		return nil, fmt.Errorf("could not parse test list: %w", err)
	}
	if summary.RustSuites == nil {
		summary.RustSuites = make(map[string]*SuiteSummary)
	}
	return &summary, nil
}

// Instances returns all test instances in deterministic order: suites by
// binary ID, then test cases by name within each suite. This is the admission
// order used by the runner.
func (s *Summary) Instances() []TestInstance {
	suiteIDs := make([]string, 0, len(s.RustSuites))
	for id := range s.RustSuites {
		suiteIDs = append(suiteIDs, id)
	}
	sort.Strings(suiteIDs)

	var out []TestInstance
	for _, id := range suiteIDs {
		suite := s.RustSuites[id]
		names := make([]string, 0, len(suite.Testcases))
		for name := range suite.Testcases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, TestInstance{
				SuiteID: id,
				Suite:   suite,
				Name:    name,
				Case:    suite.Testcases[name],
			})
		}
	}
	return out
}

// SelectedCount returns the number of tests that match the filter and will
// actually be run.
func (s *Summary) SelectedCount() int {
	count := 0
	for _, suite := range s.RustSuites {
		for _, tc := range suite.Testcases {
			if tc.FilterMatch.Matches {
				count++
			}
		}
	}
	return count
}
