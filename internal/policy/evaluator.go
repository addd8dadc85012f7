package policy

import (
	"context"
	"fmt"
	"path"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/config"
)

// Rules is the reference classifier's configuration.
type Rules struct {
	DefaultClass    ResourceClass
	Restricted      []string
	Forbidden       []string
	ForbiddenReason string
	Resources       map[string]ResourceClass
	Agents          map[string]AgentRules
}

// AgentRules are per-agent overrides, checked before anything else.
type AgentRules struct {
	Suspended  bool
	Restricted []string
	Forbidden  []string
}

// Evaluator classifies resources by configuration lookup. Resolution order:
// suspended agent, agent forbidden then restricted patterns, exact resource
// class, global forbidden then restricted patterns, default class.
type Evaluator struct {
	rules Rules
}

var _ Engine = (*Evaluator)(nil)

// NewEvaluator validates rules and builds an evaluator.
func NewEvaluator(rules Rules) (*Evaluator, error) {
	if rules.DefaultClass == "" {
		rules.DefaultClass = ClassOpen
	}
	if _, err := ParseClass(string(rules.DefaultClass)); err != nil {
		return nil, err
	}
	if rules.ForbiddenReason == "" {
		rules.ForbiddenReason = "resource is forbidden by policy"
	}
	for _, group := range [][]string{rules.Restricted, rules.Forbidden} {
		if err := checkPatterns(group); err != nil {
			return nil, err
		}
	}
	for name, a := range rules.Agents {
		for _, group := range [][]string{a.Restricted, a.Forbidden} {
			if err := checkPatterns(group); err != nil {
				return nil, fmt.Errorf("agent %q: %w", name, err)
			}
		}
	}
	for id, c := range rules.Resources {
		if _, err := ParseClass(string(c)); err != nil {
			return nil, fmt.Errorf("resource %q: %w", id, err)
		}
	}
	return &Evaluator{rules: rules}, nil
}

// FromConfig builds the evaluator from the policy, resources and agents
// sections.
func FromConfig(cfg *config.Config) (*Evaluator, error) {
	def, err := ParseClass(cfg.Policy.DefaultClass)
	if err != nil {
		return nil, err
	}
	rules := Rules{
		DefaultClass:    def,
		Restricted:      cfg.Policy.Restricted,
		Forbidden:       cfg.Policy.Forbidden,
		ForbiddenReason: cfg.Policy.ForbiddenReason,
		Resources:       make(map[string]ResourceClass),
		Agents:          make(map[string]AgentRules),
	}
	for id, r := range cfg.Resources {
		if r.Class == "" {
			continue
		}
		c, err := ParseClass(r.Class)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", id, err)
		}
		rules.Resources[id] = c
	}
	for name, a := range cfg.Agents {
		rules.Agents[name] = AgentRules{
			Suspended:  a.Suspended,
			Restricted: a.Restricted,
			Forbidden:  a.Forbidden,
		}
	}
	return NewEvaluator(rules)
}

// Classify returns the class of resourceID for agentID and the reason a
// forbidden class was chosen.
func (e *Evaluator) Classify(agentID, resourceID string) (ResourceClass, string) {
	if a, ok := e.rules.Agents[agentID]; ok {
		if a.Suspended {
			return ClassForbidden, fmt.Sprintf("agent %q is suspended", agentID)
		}
		if p, ok := firstMatch(a.Forbidden, resourceID); ok {
			return ClassForbidden, fmt.Sprintf("agent %q may not access resources matching %q", agentID, p)
		}
		if _, ok := firstMatch(a.Restricted, resourceID); ok {
			return ClassRestricted, ""
		}
	}
	if c, ok := e.rules.Resources[resourceID]; ok {
		return c, e.forbiddenReason(c)
	}
	if _, ok := firstMatch(e.rules.Forbidden, resourceID); ok {
		return ClassForbidden, e.rules.ForbiddenReason
	}
	if _, ok := firstMatch(e.rules.Restricted, resourceID); ok {
		return ClassRestricted, ""
	}
	return e.rules.DefaultClass, e.forbiddenReason(e.rules.DefaultClass)
}

// Evaluate maps the class to a verdict.
func (e *Evaluator) Evaluate(_ context.Context, in Input) (Verdict, error) {
	class, reason := e.Classify(in.AgentID, in.ResourceID)
	switch class {
	case ClassOpen:
		return Verdict{Status: access.StatusApproved}, nil
	case ClassRestricted:
		return Verdict{Status: access.StatusPending, Reason: "resource requires human approval"}, nil
	case ClassForbidden:
		return Verdict{Status: access.StatusDenied, Reason: reason}, nil
	default:
		return Verdict{}, fmt.Errorf("unclassifiable resource %q", in.ResourceID)
	}
}

func (e *Evaluator) forbiddenReason(c ResourceClass) string {
	if c == ClassForbidden {
		return e.rules.ForbiddenReason
	}
	return ""
}

func firstMatch(patterns []string, id string) (string, bool) {
	for _, p := range patterns {
		if ok, _ := path.Match(p, id); ok {
			return p, true
		}
	}
	return "", false
}

func checkPatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}
	return nil
}
