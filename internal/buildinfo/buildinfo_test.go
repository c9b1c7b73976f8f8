package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet_PrefersStampedValues(t *testing.T) {
	saved := [...]string{Version, GitCommit, BuildTime}
	defer func() { Version, GitCommit, BuildTime = saved[0], saved[1], saved[2] }()

	Version, GitCommit, BuildTime = "1.2.0", "abc123", "2026-10-01T00:00:00Z"
	info := Get()
	if info.Version != "1.2.0" || info.GitCommit != "abc123" || info.BuildTime != "2026-10-01T00:00:00Z" {
		t.Errorf("Get() = %+v, want stamped values", info)
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
}

func TestInfo_String(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "dev"}, "stepwise dev"},
		{Info{Version: "1.0.0", GitCommit: "0123456789abcdef"}, "stepwise 1.0.0 (0123456789ab)"},
		{Info{Version: "1.0.0", GitCommit: "abc", Modified: true}, "stepwise 1.0.0 (abc+dirty)"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "stepwise/") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
