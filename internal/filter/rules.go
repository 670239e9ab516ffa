package filter

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ignore "github.com/sabhiram/go-gitignore"
	"gopkg.in/yaml.v3"
)

// Rules is the declarative form of an exclusion ruleset, as read from
// configuration or a rules file.
type Rules struct {
	// SensitivePatterns are gitignore-style globs; a match blocks the batch.
	SensitivePatterns []string `toml:"sensitive_patterns" yaml:"sensitive_patterns" mapstructure:"sensitive-patterns"`

	// SensitiveSubstrings are matched case-insensitively against base names;
	// a match blocks the batch.
	SensitiveSubstrings []string `toml:"sensitive_substrings" yaml:"sensitive_substrings" mapstructure:"sensitive-substrings"`

	// IgnorePatterns are gitignore-style globs; matching paths are dropped
	// from the batch without blocking it.
	IgnorePatterns []string `toml:"ignore_patterns" yaml:"ignore_patterns" mapstructure:"ignore-patterns"`
}

// DefaultRules returns the built-in ruleset: credential and key files,
// dotenv files and secret-store directories are sensitive; editor and
// build debris is ignored.
func DefaultRules() Rules {
	return Rules{
		SensitivePatterns: []string{
			".env",
			".env.*",
			"*.pem",
			"*.key",
			"*.p12",
			"*.pfx",
			"*.keystore",
			"*.kdbx",
			"id_rsa*",
			"id_ecdsa*",
			"id_ed25519*",
			".netrc",
			".npmrc",
			".pypirc",
			".ssh/",
			".aws/",
			".gnupg/",
			"secrets/",
		},
		SensitiveSubstrings: []string{
			"credential",
			"secret",
			"password",
			"passwd",
			"token",
			"apikey",
			"api_key",
			"private_key",
		},
		IgnorePatterns: []string{
			".DS_Store",
			"Thumbs.db",
			"*.swp",
			"*.swo",
			"*.swx",
			"*~",
			".#*",
			"*.tmp",
			"4913",
			"*.pyc",
			"__pycache__/",
			"node_modules/",
		},
	}
}

// Merge appends o's rules after r's. Duplicates are kept; order only
// matters for readability of the effective ruleset.
func (r Rules) Merge(o Rules) Rules {
	return Rules{
		SensitivePatterns:   append(append([]string(nil), r.SensitivePatterns...), o.SensitivePatterns...),
		SensitiveSubstrings: append(append([]string(nil), r.SensitiveSubstrings...), o.SensitiveSubstrings...),
		IgnorePatterns:      append(append([]string(nil), r.IgnorePatterns...), o.IgnorePatterns...),
	}
}

// LoadFile reads rules from a .toml, .yaml or .yml file.
func LoadFile(file string) (Rules, error) {
	var r Rules

	data, err := os.ReadFile(file)
	if err != nil {
		return r, fmt.Errorf("read rules file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &r); err != nil {
			return r, fmt.Errorf("parse %s: %w", file, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &r); err != nil {
			return r, fmt.Errorf("parse %s: %w", file, err)
		}
	default:
		return r, fmt.Errorf("rules file %s: unsupported format (want .toml, .yaml or .yml)", file)
	}

	return r, nil
}

// Ruleset is a compiled, immutable Rules value.
type Ruleset struct {
	rules      Rules
	sensitive  *ignore.GitIgnore
	ignored    *ignore.GitIgnore
	substrings []string
}

// Compile builds a Ruleset. Blank entries are skipped.
func Compile(r Rules) *Ruleset {
	rs := &Ruleset{
		rules:     r,
		sensitive: ignore.CompileIgnoreLines(lower(nonBlank(r.SensitivePatterns))...),
		ignored:   ignore.CompileIgnoreLines(nonBlank(r.IgnorePatterns)...),
	}
	rs.substrings = lower(nonBlank(r.SensitiveSubstrings))
	return rs
}

func lower(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToLower(s)
	}
	return in
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Rules returns the source rules.
func (rs *Ruleset) Rules() Rules {
	return rs.rules
}

// IsSensitive reports whether rel matches a sensitive glob or its base
// name contains a sensitive substring. Both checks ignore case.
func (rs *Ruleset) IsSensitive(rel string) bool {
	rel = strings.ToLower(rel)
	if rs.sensitive.MatchesPath(rel) {
		return true
	}
	base := path.Base(rel)
	for _, s := range rs.substrings {
		if strings.Contains(base, s) {
			return true
		}
	}
	return false
}

// IsIgnored reports whether rel matches an ignore glob.
func (rs *Ruleset) IsIgnored(rel string) bool {
	return rs.ignored.MatchesPath(rel)
}
