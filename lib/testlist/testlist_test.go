package testlist

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "rust-metadata": {
    "target-directory": "/work/target",
    "base-output-directories": ["debug"],
    "linked-paths": []
  },
  "test-count": 3,
  "rust-suites": {
    "app": {
      "package-name": "app",
      "binary-id": "app",
      "binary-name": "app",
      "package-id": "app 0.1.0 (path+file:///work)",
      "binary-path": "/work/target/debug/deps/app-f00",
      "build-platform": "target",
      "cwd": "/work",
      "testcases": {
        "tests::works": {
          "ignored": false,
          "filter-match": {"status": "matches"}
        },
        "tests::slow": {
          "ignored": true,
          "filter-match": {"status": "mismatch", "reason": "ignored"}
        },
        "tests::other": {
          "ignored": false,
          "filter-match": {"status": "mismatch", "reason": "string"}
        }
      }
    }
  }
}`

func TestParse(t *testing.T) {
	t.Parallel()

	list, err := Parse(strings.NewReader(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, 3, list.TestCount)
	assert.Equal(t, "/work/target", list.RustMetadata.TargetDirectory)
	require.Contains(t, list.RustSuites, "app")

	suite := list.RustSuites["app"]
	assert.Equal(t, "app", suite.PackageName)
	assert.Equal(t, "/work/target/debug/deps/app-f00", suite.BinaryPath)
	assert.Equal(t, BuildPlatformTarget, suite.BuildPlatform)

	works := suite.Testcases["tests::works"]
	assert.True(t, works.FilterMatch.Matches)

	slow := suite.Testcases["tests::slow"]
	assert.True(t, slow.Ignored)
	assert.False(t, slow.FilterMatch.Matches)
	assert.Equal(t, MismatchIgnored, slow.FilterMatch.Reason)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"NotJSON":          "not json at all",
		"BadPlatform":      `{"rust-metadata":{},"test-count":0,"rust-suites":{"x":{"binary-id":"x","build-platform":"m68k","testcases":{}}}}`,
		"BadFilterStatus":  `{"rust-metadata":{},"test-count":0,"rust-suites":{"x":{"binary-id":"x","build-platform":"host","testcases":{"t":{"filter-match":{"status":"perhaps"}}}}}}`,
		"MismatchNoReason": `{"rust-metadata":{},"test-count":0,"rust-suites":{"x":{"binary-id":"x","build-platform":"host","testcases":{"t":{"filter-match":{"status":"mismatch"}}}}}}`,
		"BadReason":        `{"rust-metadata":{},"test-count":0,"rust-suites":{"x":{"binary-id":"x","build-platform":"host","testcases":{"t":{"filter-match":{"status":"mismatch","reason":"moon-phase"}}}}}}`,
	}
	for name, doc := range cases {
		doc := doc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	list, err := Parse(strings.NewReader(sampleDocument))
	require.NoError(t, err)

	serialized, err := json.Marshal(list)
	require.NoError(t, err)

	reparsed, err := Parse(strings.NewReader(string(serialized)))
	require.NoError(t, err)
	assert.Equal(t, list, reparsed)

	// Key names stay kebab-case on the way out.
	assert.Contains(t, string(serialized), `"rust-suites"`)
	assert.Contains(t, string(serialized), `"filter-match"`)
	assert.Contains(t, string(serialized), `"status":"mismatch"`)
}

func TestInstancesOrdering(t *testing.T) {
	t.Parallel()

	list := &Summary{
		RustSuites: map[string]*SuiteSummary{
			"b-suite": {
				BinarySummary: BinarySummary{BinaryID: "b-suite"},
				Testcases: map[string]CaseSummary{
					"z": {FilterMatch: FilterMatch{Matches: true}},
					"a": {FilterMatch: FilterMatch{Matches: true}},
				},
			},
			"a-suite": {
				BinarySummary: BinarySummary{BinaryID: "a-suite"},
				Testcases: map[string]CaseSummary{
					"m": {FilterMatch: FilterMatch{Matches: true}},
				},
			},
		},
	}

	var ids []string
	for _, ti := range list.Instances() {
		ids = append(ids, ti.ID())
	}
	assert.Equal(t, []string{"a-suite::m", "b-suite::a", "b-suite::z"}, ids)

	assert.Equal(t, 3, list.SelectedCount())
}
