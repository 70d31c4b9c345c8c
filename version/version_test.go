package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFillFromBuildInfo(t *testing.T) {
	info := Info{Version: "0.0.0", Revision: "unknown", BuiltAt: "unknown"}
	fillFromBuildInfo(&info, &debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2024-05-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	assert.Equal(t, "v1.4.0", info.Version)
	assert.Equal(t, "0123456", info.Revision)
	assert.Equal(t, "2024-05-01T12:00:00Z", info.BuiltAt)
	assert.True(t, info.Modified)
}

func TestLdflagsWin(t *testing.T) {
	info := Info{Version: "2.0.0", Revision: "abc", BuiltAt: "today"}
	fillFromBuildInfo(&info, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789"}},
	})

	assert.Equal(t, "2.0.0", info.Version)
	assert.Equal(t, "abc", info.Revision)
}

func TestJSON(t *testing.T) {
	out, err := Info{Version: "1.0.0"}.JSON()
	assert.NoError(t, err)
	assert.Contains(t, out, `"version": "1.0.0"`)
}
