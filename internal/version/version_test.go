package version

import (
	"strings"
	"testing"
)

func TestInfo_Injected(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime })

	Version, GitSHA, BuildTime = "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z"
	info := Info()
	if info.Version != "1.2.3" || info.GitSHA != "0123456789abcdef" {
		t.Fatalf("Info() = %+v", info)
	}
	if info.GoVersion == "" {
		t.Error("GoVersion empty")
	}
	s := info.String()
	if !strings.Contains(s, "sightline 1.2.3 (0123456789ab,") {
		t.Errorf("String() = %q", s)
	}
}
