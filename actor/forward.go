package actor

import (
	"regexp"
)

// forwardTarget identifies where a matched topic is delivered.
type forwardTarget struct {
	// toParent routes the topic to the actor's parent.
	toParent bool

	// child routes the topic to a specific child.
	child *Ref
}

// forwardRule is one entry in an actor's ordered forward list. Exactly one
// of literal or pattern is set.
type forwardRule struct {
	literal string
	pattern *regexp.Regexp
	target  forwardTarget
}

// matches reports whether the rule applies to a topic. Literal rules match
// by string equality; pattern rules are applied as the user anchored them.
func (r forwardRule) matches(topic string) bool {
	if r.pattern != nil {
		return r.pattern.MatchString(topic)
	}

	return r.literal == topic
}

// forwardTable is the per-actor forwarding state. It is mutated only from
// the owning actor's executor (forward rules are declared during initialize)
// and read on every dispatch.
type forwardTable struct {
	rules []forwardRule

	// allUnknown, when set, catches every topic the local behavior does
	// not handle.
	allUnknown *forwardTarget
}

// addLiteral appends an exact-match rule.
func (t *forwardTable) addLiteral(topic string, target forwardTarget) {
	t.rules = append(t.rules, forwardRule{literal: topic, target: target})
}

// addPattern appends a regular-expression rule.
func (t *forwardTable) addPattern(re *regexp.Regexp, target forwardTarget) {
	t.rules = append(t.rules, forwardRule{pattern: re, target: target})
}

// setAllUnknown installs the catch-all target.
func (t *forwardTable) setAllUnknown(target forwardTarget) {
	copied := target
	t.allUnknown = &copied
}

// resolve returns the forward target for a topic, if any. The catch-all
// applies only when the local behavior has no handler for the topic; the
// ordered rules apply unconditionally, first match wins.
func (t *forwardTable) resolve(topic string,
	locallyHandled bool) (forwardTarget, bool) {

	if t.allUnknown != nil && !locallyHandled {
		return *t.allUnknown, true
	}

	for _, rule := range t.rules {
		if rule.matches(topic) {
			return rule.target, true
		}
	}

	return forwardTarget{}, false
}

// detachChild removes every rule pointing at the given child, called when a
// child is destroyed.
func (t *forwardTable) detachChild(child *Ref) {
	kept := t.rules[:0]
	for _, rule := range t.rules {
		if rule.target.child == child {
			continue
		}
		kept = append(kept, rule)
	}
	t.rules = kept

	if t.allUnknown != nil && t.allUnknown.child == child {
		t.allUnknown = nil
	}
}
