// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) { //nolint:paralleltest // mutates package globals
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
		check     func(t *testing.T, v VersionInfo)
	}{
		{
			name:    "dev build derives version from commit",
			version: "dev", commit: "abc123def456789", buildDate: unknownStr,
			check: func(t *testing.T, v VersionInfo) {
				assert.Equal(t, "build-abc123de", v.Version)
				assert.Equal(t, unknownStr, v.BuildDate)
			},
		},
		{
			name:    "release version passes through",
			version: "v1.2.3", commit: "abc123def456789", buildDate: "2024-01-15T10:30:00Z",
			check: func(t *testing.T, v VersionInfo) {
				assert.Equal(t, "v1.2.3", v.Version)
				assert.Equal(t, "2024-01-15 10:30:00 UTC", v.BuildDate)
			},
		},
		{
			name:    "unparseable build date kept verbatim",
			version: "v2.0.0", commit: "def456", buildDate: "not-a-date",
			check: func(t *testing.T, v VersionInfo) {
				assert.Equal(t, "not-a-date", v.BuildDate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version, Commit, BuildDate = tt.version, tt.commit, tt.buildDate
			v := GetVersionInfo()
			assert.Equal(t, runtime.Version(), v.GoVersion)
			assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), v.Platform)
			tt.check(t, v)
		})
	}
}

func TestVersionInfoString(t *testing.T) {
	t.Parallel()
	v := VersionInfo{Version: "v1.0.0", Commit: "abc", BuildDate: "today", GoVersion: "go1.24", Platform: "linux/amd64"}
	s := v.String()
	assert.True(t, strings.HasPrefix(s, "codemux v1.0.0"))
	assert.Contains(t, s, "abc")
}
