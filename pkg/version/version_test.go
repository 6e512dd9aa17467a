package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_DevOrSemver(t *testing.T) {
	// Given: a build without ldflags reports "dev"
	require.NotEmpty(t, Version)

	// Then: anything else must be a release version
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	assert.True(t, semver.MatchString(Version), "release version %q is not semver", Version)
}

func TestString_CarriesBuildDetails(t *testing.T) {
	// When: formatting the long version line
	str := String()

	// Then: program name, version, commit, and Go version all appear
	assert.Contains(t, str, "quarry")
	assert.Contains(t, str, Version)
	assert.Contains(t, str, "commit")
	assert.Contains(t, str, runtime.Version())
}

func TestShort_IsBareVersion(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestGetInfo_MatchesBuildAndRuntime(t *testing.T) {
	info := GetInfo()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, Date, info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
}

func TestGetInfo_JSONFieldNames(t *testing.T) {
	// When: marshaling for 'quarry version --json'
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))

	// Then: the snake_case field names are stable
	for _, field := range []string{"version", "commit", "date", "go_version", "os", "arch"} {
		assert.Contains(t, parsed, field)
	}
}
