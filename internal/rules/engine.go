package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const defaultIterationLimit = 20

// Engine applies deterministic substitutions to final transcripts, loaded
// from an optional rules file. A missing file yields a pass-through engine.
//
// Two line forms are supported:
//
//	spoken text => replacement
//	s/pattern/replacement/
//
// Lines starting with # are comments.
type Engine struct {
	rules     []rule
	loopLimit int
}

type rule struct {
	pattern *regexp.Regexp
	literal string
	replace string
}

// NewEngine loads and compiles rules from path.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = defaultIterationLimit
	}
	if strings.TrimSpace(path) == "" {
		return &Engine{loopLimit: loopLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{loopLimit: loopLimit}, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	rules, err := parseRules(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	return &Engine{rules: rules, loopLimit: loopLimit}, nil
}

// Apply transforms text deterministically, re-running the rule set until it
// reaches a fixed point or the iteration limit.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, r := range e.rules {
			next := r.apply(result)
			if next != result {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}
	return "", fmt.Errorf("rules did not converge within %d iterations", e.loopLimit)
}

func (r rule) apply(input string) string {
	if r.pattern != nil {
		return r.pattern.ReplaceAllString(input, r.replace)
	}
	return strings.ReplaceAll(input, r.literal, r.replace)
}

func parseRules(contents string) ([]rule, error) {
	var rules []rule
	for lineNo, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "s/"):
			parsed, err := parseRegexRule(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			rules = append(rules, parsed)
		case strings.Contains(line, "=>"):
			parts := strings.SplitN(line, "=>", 2)
			literal := strings.TrimSpace(parts[0])
			if literal == "" {
				return nil, fmt.Errorf("line %d: empty match text", lineNo+1)
			}
			rules = append(rules, rule{literal: literal, replace: strings.TrimSpace(parts[1])})
		default:
			return nil, fmt.Errorf("line %d: unrecognized rule form", lineNo+1)
		}
	}
	return rules, nil
}

func parseRegexRule(line string) (rule, error) {
	parts := strings.Split(line, "/")
	if len(parts) < 4 || parts[len(parts)-1] != "" {
		return rule{}, errors.New("regex rule must look like s/pattern/replacement/")
	}
	pattern := strings.Join(parts[1:len(parts)-2], "/")
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return rule{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return rule{pattern: compiled, replace: parts[len(parts)-2]}, nil
}
