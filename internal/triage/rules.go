package triage

import (
	"regexp"
	"strings"
	"sync"
)

// RuleEngine applies deterministic overrides on top of the classifier's
// judgment. It is pure: the same inputs always produce the same output.
type RuleEngine struct {
	keywords KeywordTable

	// DenyOverridesAllow decides the outcome when a sender is on both lists.
	// When true (the default) the deny-list wins and priority ends low.
	denyOverridesAllow bool

	patterns sync.Map // pattern -> *regexp.Regexp (nil when invalid)
}

// RuleEngineOption configures a RuleEngine.
type RuleEngineOption func(*RuleEngine)

// WithAllowOverridesDeny flips the list tie-break so an allow-listed sender
// stays high even when also deny-listed.
func WithAllowOverridesDeny() RuleEngineOption {
	return func(e *RuleEngine) { e.denyOverridesAllow = false }
}

// NewRuleEngine creates a rule engine using the given keyword table.
func NewRuleEngine(keywords KeywordTable, opts ...RuleEngineOption) *RuleEngine {
	e := &RuleEngine{keywords: keywords, denyOverridesAllow: true}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply runs the rule steps in order (allow-list, deny-list, structured
// rules, keyword boost) and returns the adjusted classification along with
// whether any preference-driven step matched.
func (e *RuleEngine) Apply(msg *Message, prefs *Preferences, cls Classification) (Classification, bool) {
	fired := false
	sender := normalizeAddress(msg.Sender)

	if prefs != nil {
		allowed := containsAddress(prefs.AllowSenders, sender)
		denied := containsAddress(prefs.DenySenders, sender)

		if allowed && !(denied && e.denyOverridesAllow) {
			if cls.Priority.Level() < PriorityHigh.Level() {
				cls.Priority = PriorityHigh
			}
			fired = true
		}
		if denied && !(allowed && !e.denyOverridesAllow) {
			cls.Priority = PriorityLow
			fired = true
		}

		subject := strings.ToLower(msg.Subject)
		for i := range prefs.Rules {
			r := &prefs.Rules[i]
			if !e.ruleMatches(r, msg.Sender, subject) {
				continue
			}
			cls.Priority = r.Priority
			if r.Category != "" {
				cls.Category = r.Category
			}
			fired = true
		}
	}

	if p, ok := e.keywords.Match(msg.Subject); ok && p.Level() > cls.Priority.Level() {
		cls.Priority = p
	}

	cls.RulesApplied = fired
	return cls, fired
}

func (e *RuleEngine) ruleMatches(r *Rule, sender, lowerSubject string) bool {
	if r.SenderPattern == "" && r.SubjectContains == "" {
		return false
	}
	if r.SenderPattern != "" {
		re := e.compile(r.SenderPattern)
		if re == nil || !re.MatchString(sender) {
			return false
		}
	}
	if r.SubjectContains != "" && !strings.Contains(lowerSubject, strings.ToLower(r.SubjectContains)) {
		return false
	}
	return true
}

// compile caches compiled sender patterns. Invalid patterns cache as nil and
// never match.
func (e *RuleEngine) compile(pattern string) *regexp.Regexp {
	if v, ok := e.patterns.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	e.patterns.Store(pattern, re)
	return re
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsAddress(list []string, addr string) bool {
	if addr == "" {
		return false
	}
	for _, a := range list {
		if normalizeAddress(a) == addr {
			return true
		}
	}
	return false
}
