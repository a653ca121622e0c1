package pathmap

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Rule rewrites URLs matching Pattern into Template. Pattern may contain a
// single `*` wildcard; `*` in Template is replaced with whatever the wildcard
// matched. Rules without a wildcard are plain prefix replacements.
type Rule struct {
	Pattern  string `yaml:"pattern"`
	Template string `yaml:"template"`
}

// Rules is an ordered rule list; the first matching rule wins.
type Rules []Rule

// Apply rewrites sourceURL through the first matching rule, or returns it
// unchanged.
func (rs Rules) Apply(sourceURL string) string {
	for _, r := range rs {
		if out, ok := r.apply(sourceURL); ok {
			return out
		}
	}
	return sourceURL
}

func (r Rule) apply(sourceURL string) (string, bool) {
	star := strings.IndexByte(r.Pattern, '*')
	if star == -1 {
		if !strings.HasPrefix(sourceURL, r.Pattern) {
			return "", false
		}
		return r.Template + sourceURL[len(r.Pattern):], true
	}
	prefix, suffix := r.Pattern[:star], r.Pattern[star+1:]
	if !strings.HasPrefix(sourceURL, prefix) || !strings.HasSuffix(sourceURL, suffix) {
		return "", false
	}
	matched := sourceURL[len(prefix) : len(sourceURL)-len(suffix)]
	return strings.Replace(r.Template, "*", matched, 1), true
}

// LoadRules reads an ordered rule list from a yaml file.
func LoadRules(fs afero.Fs, path string) (Rules, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var rs Rules
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rewrite rules from %s: %w", path, err)
	}
	return rs, nil
}
