// Package firewall translates a lease set into a declarative ruleset and
// applies it atomically to the host packet filter (spec §4.7).
package firewall

import (
	"fmt"
	"net"
	"sort"
)

// Rule is one accept rule: traffic from Addr to port Port/tcp is permitted.
type Rule struct {
	Addr net.IP
	Port uint16
}

// Comment returns the canonical identifying comment for the rule, of the
// form letmein_<addr>-<port>/tcp, so operators and tests can find it by
// string match (spec §4.7).
func (r Rule) Comment() string {
	return fmt.Sprintf("letmein_%s-%d/tcp", r.Addr.String(), r.Port)
}

// Ruleset is the whole declarative state of the managed chain: every rule
// that should exist, and none that shouldn't. Applying a Ruleset always
// replaces the managed chain's entire contents.
type Ruleset struct {
	Family     string // "inet", "ip" or "ip6"
	Table      string
	ChainInput string
	Rules      []Rule
}

// Sorted returns a copy of rs with Rules ordered deterministically by
// address then port, so an external observer diffing the ruleset can
// reason about changes (spec §4.6).
func (rs Ruleset) Sorted() Ruleset {
	rules := make([]Rule, len(rs.Rules))
	copy(rules, rs.Rules)
	sort.Slice(rules, func(i, j int) bool {
		if c := compareIP(rules[i].Addr, rules[j].Addr); c != 0 {
			return c < 0
		}
		return rules[i].Port < rules[j].Port
	})
	rs.Rules = rules
	return rs
}

func compareIP(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	for i := range a16 {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Backend applies a Ruleset to the host packet filter. Implementations MUST
// be atomic: on error the previously-applied ruleset is left unchanged
// (spec §4.7, §9).
type Backend interface {
	Apply(rs Ruleset) error
}

// ValidFamily reports whether name is one of the families the firewall
// backend accepts.
func ValidFamily(name string) bool {
	switch name {
	case "inet", "ip", "ip6":
		return true
	default:
		return false
	}
}
