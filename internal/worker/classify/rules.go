package classify

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed stuck_rules.yaml
var stuckRulesYAML []byte

type ruleFile struct {
	Categories []ruleCategory `yaml:"categories"`
}

type ruleCategory struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

type stuckRule struct {
	name     string
	patterns []*regexp.Regexp
}

// loadStuckRules parses and compiles the embedded rule set. The rules ship
// with the binary, so a parse failure is a build defect, not a runtime
// condition.
func loadStuckRules() ([]stuckRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(stuckRulesYAML, &file); err != nil {
		return nil, fmt.Errorf("op=classify.rules: %w", err)
	}
	rules := make([]stuckRule, 0, len(file.Categories))
	for _, cat := range file.Categories {
		r := stuckRule{name: cat.Name}
		for _, p := range cat.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("op=classify.rules: category %s: %w", cat.Name, err)
			}
			r.patterns = append(r.patterns, re)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
