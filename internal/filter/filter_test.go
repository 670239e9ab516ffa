package filter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefault(t *testing.T) *Filter {
	t.Helper()
	f, err := New(Options{Base: DefaultRules()}, nil)
	require.NoError(t, err)
	return f
}

func TestSensitivePaths(t *testing.T) {
	rs := Compile(DefaultRules())

	tests := []struct {
		path string
		want bool
	}{
		{".env", true},
		{"config/.env", true},
		{".env.local", true},
		{"certs/server.pem", true},
		{"deploy/id_rsa", true},
		{"deploy/id_ed25519.pub", true},
		{"home/.ssh/config", true},
		{"secrets/db.txt", true},
		{"docs/MyPassword.txt", true},
		{"AWS_Credentials.csv", true},
		{"github_TOKEN", true},
		{"SERVER.KEY", true},
		{".ENV", true},
		{"config/.Env.Production", true},
		{"deploy.PEM", true},
		{"keys/ID_RSA", true},
		{"Secrets/db.yml", true},
		{"home/.SSH/known_hosts", true},
		{"report.md", false},
		{"notes.txt", false},
		{"src/main.go", false},
		{"environment.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, rs.IsSensitive(tt.path))
		})
	}
}

func TestIgnoredPaths(t *testing.T) {
	rs := Compile(DefaultRules())

	assert.True(t, rs.IsIgnored(".DS_Store"))
	assert.True(t, rs.IsIgnored("docs/.report.md.swp"))
	assert.True(t, rs.IsIgnored("web/node_modules/react/index.js"))
	assert.True(t, rs.IsIgnored("pkg/__pycache__/mod.cpython-312.pyc"))
	assert.False(t, rs.IsIgnored("report.md"))
}

func TestCheckFailClosed(t *testing.T) {
	f := newDefault(t)

	res := f.Check([]string{"report.md", "notes.txt", ".env", "a.swp"})

	assert.True(t, res.HasBlocked())
	assert.Equal(t, []string{".env"}, res.Blocked)
	assert.Equal(t, []string{"a.swp"}, res.Ignored)
	assert.Equal(t, []string{"notes.txt", "report.md"}, res.Allowed)
}

func TestSensitiveBeatsIgnore(t *testing.T) {
	f, err := New(Options{Base: Rules{
		SensitivePatterns: []string{"*.key"},
		IgnorePatterns:    []string{"build/"},
	}}, nil)
	require.NoError(t, err)

	res := f.Check([]string{"build/signing.key"})
	assert.Equal(t, []string{"build/signing.key"}, res.Blocked)
	assert.Empty(t, res.Ignored)
}

func TestCleanBatch(t *testing.T) {
	f := newDefault(t)

	res := f.Check([]string{"report.md", "notes.txt"})
	assert.False(t, res.HasBlocked())
	assert.Len(t, res.Allowed, 2)
}

func TestLoadFileTOML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
sensitive_patterns = ["*.sqlite"]
sensitive_substrings = ["Salary"]
ignore_patterns = ["dist/"]
`), 0o644))

	r, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.sqlite"}, r.SensitivePatterns)
	assert.Equal(t, []string{"Salary"}, r.SensitiveSubstrings)
	assert.Equal(t, []string{"dist/"}, r.IgnorePatterns)

	rs := Compile(r)
	assert.True(t, rs.IsSensitive("hr/2024-salary.xlsx"))
	assert.True(t, rs.IsIgnored("dist/app.js"))
}

func TestLoadFileYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
sensitive_patterns:
  - "*.sqlite"
ignore_patterns:
  - "*.log"
`), 0o644))

	r, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.sqlite"}, r.SensitivePatterns)
	assert.Equal(t, []string{"*.log"}, r.IgnorePatterns)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "rules.ini")
	require.NoError(t, os.WriteFile(bad, []byte("x=1"), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "unsupported format")

	broken := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(broken, []byte("sensitive_patterns = ["), 0o644))
	_, err = LoadFile(broken)
	assert.Error(t, err)
}

func TestNewFailsOnUnreadableFile(t *testing.T) {
	_, err := New(Options{Base: DefaultRules(), File: filepath.Join(t.TempDir(), "nope.yaml")}, nil)
	assert.Error(t, err)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(file, []byte(`sensitive_patterns = ["*.db"]`), 0o644))

	var outcomes []bool
	f, err := New(Options{File: file, OnReload: func(ok bool) { outcomes = append(outcomes, ok) }}, nil)
	require.NoError(t, err)
	assert.True(t, f.Check([]string{"app.db"}).HasBlocked())

	require.NoError(t, os.WriteFile(file, []byte(`sensitive_patterns = [`), 0o644))
	assert.Error(t, f.Reload())
	assert.True(t, f.Check([]string{"app.db"}).HasBlocked(), "previous ruleset stays active")

	require.NoError(t, os.WriteFile(file, []byte(`sensitive_patterns = ["*.csv"]`), 0o644))
	require.NoError(t, f.Reload())
	assert.False(t, f.Check([]string{"app.db"}).HasBlocked())
	assert.True(t, f.Check([]string{"export.csv"}).HasBlocked())

	assert.Equal(t, []bool{false, true}, outcomes)
}

func TestWatchHotReload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(file, []byte("sensitive_patterns: [\"*.db\"]\n"), 0o644))

	f, err := New(Options{File: file}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte("sensitive_patterns: [\"*.csv\"]\n"), 0o644))

	assert.Eventually(t, func() bool {
		return f.Check([]string{"export.csv"}).HasBlocked()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	f := newDefault(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.Watch(ctx))
}
