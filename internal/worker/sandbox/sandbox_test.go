package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNumstat(t *testing.T) {
	out := "10\t2\tinternal/api/server.go\n-\t-\tassets/logo.png\n0\t5\tREADME.md\n"
	stats := parseNumstat(out)
	assert.Equal(t, 10, stats.LinesAdded)
	assert.Equal(t, 7, stats.LinesDeleted)
	assert.Equal(t, []string{"internal/api/server.go", "assets/logo.png", "README.md"}, stats.FilesTouched)
	assert.Equal(t, 17, stats.TotalLines())
	assert.Equal(t, 3, stats.FilesCount())
}

func TestParseNumstat_Empty(t *testing.T) {
	stats := parseNumstat("")
	assert.Zero(t, stats.TotalLines())
	assert.Zero(t, stats.FilesCount())
}

func TestParseNumstat_SkipsMalformedLines(t *testing.T) {
	stats := parseNumstat("garbage\nten\ttwo\tfile.go\n3\t1\tok.go\n")
	assert.Equal(t, 3, stats.LinesAdded)
	assert.Equal(t, 1, stats.LinesDeleted)
	assert.Equal(t, []string{"ok.go"}, stats.FilesTouched)
}

func TestAuthURL(t *testing.T) {
	got := authURL("https://github.com/acme/api", "ghp_secret")
	assert.Equal(t, "https://ghp_secret@github.com/acme/api", got)

	// non-GitHub hosts pass through untouched
	other := authURL("https://gitlab.com/acme/api", "ghp_secret")
	assert.Equal(t, "https://gitlab.com/acme/api", other)

	assert.Equal(t, "https://github.com/acme/api", authURL("https://github.com/acme/api", ""))
}

func TestRedact(t *testing.T) {
	s := &Sandbox{token: "ghp_secret"}
	out := s.redact("fatal: could not read from https://ghp_secret@github.com/acme/api\n")
	assert.NotContains(t, out, "ghp_secret")
	assert.Contains(t, out, "***")
}
