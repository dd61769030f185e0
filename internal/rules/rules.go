// Package rules evaluates messages against user-defined match rules. All
// functions are pure: they read their inputs and produce results without
// touching storage or the network.
package rules

import (
	"fmt"
	"strings"

	"github.com/sentinelhq/tgsentinel/internal/domain"
)

// Criteria holds the optional match lists of a rule. Within one criterion
// the listed values are alternatives (OR).
type Criteria struct {
	Username   []string
	ChatTitle  []string
	Content    []string
	StartsWith []string
}

// Empty reports whether no criterion is configured.
func (c Criteria) Empty() bool {
	return len(c.Username) == 0 && len(c.ChatTitle) == 0 &&
		len(c.Content) == 0 && len(c.StartsWith) == 0
}

// MessageView is the slice of a message the matcher looks at.
type MessageView struct {
	SenderUsername string
	ChatTitle      string
	Text           string
}

// View adapts a normalized message for matching.
func View(m domain.Message) MessageView {
	return MessageView{
		SenderUsername: m.SenderUsername,
		ChatTitle:      m.ChatTitle,
		Text:           m.Text,
	}
}

// Rule is one saved filter or event, identified by its storage id and
// owning user.
type Rule struct {
	ID     uint64
	UserID uint64
	Criteria
}

// Match is one triggered rule with human-readable descriptions of the
// criteria that matched.
type Match struct {
	Rule    Rule
	UserID  uint64
	Details []string
	Message domain.Message
}

// Evaluate checks a message against every rule in order and returns the
// triggered ones. A rule triggers when at least one configured criterion
// matches; a rule with no criteria never triggers.
func Evaluate(msg domain.Message, rs []Rule) []Match {
	v := View(msg)

	var matches []Match
	for _, r := range rs {
		details := r.Criteria.matchDetails(v)
		if len(details) == 0 {
			continue
		}
		matches = append(matches, Match{
			Rule:    r,
			UserID:  r.UserID,
			Details: details,
			Message: msg,
		})
	}
	return matches
}

func (c Criteria) matchDetails(v MessageView) []string {
	var details []string

	if len(c.Username) > 0 && containsString(c.Username, v.SenderUsername) {
		details = append(details, fmt.Sprintf("username: %s", strings.Join(c.Username, ", ")))
	}
	if len(c.ChatTitle) > 0 && containsString(c.ChatTitle, v.ChatTitle) {
		details = append(details, fmt.Sprintf("chat title: %s", strings.Join(c.ChatTitle, ", ")))
	}
	if len(c.Content) > 0 && containsSubstring(c.Content, v.Text) {
		details = append(details, fmt.Sprintf("content match: %s in message", strings.Join(c.Content, ", ")))
	}
	if len(c.StartsWith) > 0 && hasAnyPrefix(c.StartsWith, v.Text) {
		details = append(details, fmt.Sprintf("message starts with: %s", strings.Join(c.StartsWith, ", ")))
	}

	return details
}

// Allows reports whether a message passes the criteria when used as a
// restriction filter: every configured criterion must match. Empty criteria
// allow everything.
func (c Criteria) Allows(v MessageView) bool {
	if len(c.Username) > 0 && !containsString(c.Username, v.SenderUsername) {
		return false
	}
	if len(c.ChatTitle) > 0 && !containsString(c.ChatTitle, v.ChatTitle) {
		return false
	}
	if len(c.Content) > 0 && !containsSubstring(c.Content, v.Text) {
		return false
	}
	if len(c.StartsWith) > 0 && !hasAnyPrefix(c.StartsWith, v.Text) {
		return false
	}
	return true
}

// AllowedByAny reports whether a message passes at least one of the given
// restriction filters. An empty filter set allows everything.
func AllowedByAny(v MessageView, cs []Criteria) bool {
	if len(cs) == 0 {
		return true
	}
	for _, c := range cs {
		if c.Allows(v) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsSubstring(list []string, text string) bool {
	for _, v := range list {
		if strings.Contains(text, v) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(list []string, text string) bool {
	for _, v := range list {
		if strings.HasPrefix(text, v) {
			return true
		}
	}
	return false
}
