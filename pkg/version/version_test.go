package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withLdflags sets the link-time variables for one test.
func withLdflags(t *testing.T, version, commit, date string) {
	t.Helper()
	oldV, oldC, oldD := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() { Version, Commit, Date = oldV, oldC, oldD })
}

func vcsBuild(mainVersion string) *debug.BuildInfo {
	return &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/Aman-CERP/divan", Version: mainVersion},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
}

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	if Version == "dev" {
		return
	}
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semverRegex.MatchString(Version), "got: %s", Version)
}

func TestResolve_LdflagsWin(t *testing.T) {
	// Given: a release build stamped through ldflags
	withLdflags(t, "1.2.0", "abc1234", "2026-01-01T00:00:00Z")

	// When: the binary also carries VCS information
	info := resolve(vcsBuild("v0.9.0"))

	// Then: the stamped values are reported
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, "abc1234", info.Commit)
	assert.Equal(t, "2026-01-01T00:00:00Z", info.Date)
}

func TestResolve_FallsBackToEmbeddedInfo(t *testing.T) {
	withLdflags(t, "dev", "unknown", "unknown")

	tests := []struct {
		name        string
		bi          *debug.BuildInfo
		wantVersion string
		wantCommit  string
		wantDate    string
	}{
		{"go install of a tag", vcsBuild("v1.3.0"), "1.3.0", "0123456789ab-dirty", "2026-03-01T12:00:00Z"},
		{"local build", vcsBuild("(devel)"), "dev", "0123456789ab-dirty", "2026-03-01T12:00:00Z"},
		{"no build info", nil, "dev", "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := resolve(tt.bi)
			assert.Equal(t, tt.wantVersion, info.Version)
			assert.Equal(t, tt.wantCommit, info.Commit)
			assert.Equal(t, tt.wantDate, info.Date)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, runtime.GOOS, info.OS)
			assert.Equal(t, runtime.GOARCH, info.Arch)
		})
	}
}

func TestString_ContainsBuildInfo(t *testing.T) {
	withLdflags(t, "1.2.0", "abc1234", "2026-01-01T00:00:00Z")

	assert.Equal(t, "divan 1.2.0 (commit: abc1234, built: 2026-01-01T00:00:00Z, go: "+runtime.Version()+")", String())
	assert.Equal(t, "1.2.0", Short())
}

func TestGetInfo_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	for _, key := range []string{"version", "commit", "date", "go_version", "os", "arch"} {
		assert.Contains(t, parsed, key)
	}
}
