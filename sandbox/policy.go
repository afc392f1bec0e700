package sandbox

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// LessonPolicy is a per-lesson override of the query policy. A non-empty
// AllowedQueryTypes replaces the default list wholesale; BlockedPatterns are
// appended to the defaults, never removed from them.
type LessonPolicy struct {
	LessonID          int64    `yaml:"lesson_id"`
	AllowedQueryTypes []string `yaml:"allowed_query_types"`
	BlockedPatterns   []string `yaml:"blocked_patterns"`
}

type compiledPolicy struct {
	allowedTypes []string
	extraBlocked []*regexp.Regexp
}

// PolicySet holds the compiled per-lesson policies consulted by the guard.
type PolicySet struct {
	byLesson map[int64]*compiledPolicy
}

// CompilePolicySet compiles lesson policies, reporting the first bad
// pattern. Patterns are rejected up front so the guard never fails
// mid-validation.
func CompilePolicySet(policies []LessonPolicy) (*PolicySet, error) {
	byLesson := make(map[int64]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.LessonID == 0 {
			return nil, fmt.Errorf("lesson policy without lesson_id")
		}
		cp := &compiledPolicy{allowedTypes: p.AllowedQueryTypes}
		for _, pattern := range p.BlockedPatterns {
			re, err := regexp.Compile(`(?i)` + pattern)
			if err != nil {
				return nil, fmt.Errorf("lesson %d: invalid blocked pattern %q: %w", p.LessonID, pattern, err)
			}
			cp.extraBlocked = append(cp.extraBlocked, re)
		}
		byLesson[p.LessonID] = cp
	}
	return &PolicySet{byLesson: byLesson}, nil
}

// LoadPolicyFile reads lesson policies from a YAML file of the form:
//
//	policies:
//	  - lesson_id: 3
//	    allowed_query_types: [SELECT]
//	    blocked_patterns:
//	      - '\bJOIN\b'
func LoadPolicyFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var doc struct {
		Policies []LessonPolicy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	set, err := CompilePolicySet(doc.Policies)
	if err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return set, nil
}

// effective resolves the allowed types and extra blocked patterns for a
// lesson. lessonID 0, or a lesson without an override, yields the defaults.
func (s *PolicySet) effective(lessonID int64, defaultTypes []string) (allowedTypes []string, extraBlocked []*regexp.Regexp) {
	if s == nil || lessonID == 0 {
		return defaultTypes, nil
	}
	p, ok := s.byLesson[lessonID]
	if !ok {
		return defaultTypes, nil
	}
	allowedTypes = defaultTypes
	if len(p.allowedTypes) > 0 {
		allowedTypes = p.allowedTypes
	}
	return allowedTypes, p.extraBlocked
}
