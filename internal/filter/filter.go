// Package filter implements rule-based admission of review events.
package filter

import (
	"strings"

	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/schema"
)

// Rules is an immutable admission rule snapshot. Empty lists admit all.
type Rules struct {
	projects      map[string]struct{}
	emails        map[string]struct{}
	emailSuffixes []string
}

// NewRules builds a normalized rule snapshot from configuration.
func NewRules(cfg config.RulesConfig) Rules {
	rules := Rules{
		projects:      make(map[string]struct{}, len(cfg.Projects)),
		emails:        make(map[string]struct{}, len(cfg.Emails)),
		emailSuffixes: nil,
	}
	for _, project := range cfg.Projects {
		trimmed := strings.TrimSpace(project)
		if trimmed != "" {
			rules.projects[trimmed] = struct{}{}
		}
	}
	for _, email := range cfg.Emails {
		trimmed := strings.ToLower(strings.TrimSpace(email))
		if trimmed != "" {
			rules.emails[trimmed] = struct{}{}
		}
	}
	for _, suffix := range cfg.EmailSuffixes {
		trimmed := strings.ToLower(strings.TrimSpace(suffix))
		if trimmed != "" {
			rules.emailSuffixes = append(rules.emailSuffixes, trimmed)
		}
	}
	return rules
}

// Admit reports whether the event passes both the project and author checks.
func (r Rules) Admit(event schema.ReviewEvent) bool {
	return r.admitProject(event.Project) && r.admitAuthor(event)
}

func (r Rules) admitProject(project string) bool {
	if len(r.projects) == 0 {
		return true
	}
	_, ok := r.projects[strings.TrimSpace(project)]
	return ok
}

func (r Rules) admitAuthor(event schema.ReviewEvent) bool {
	if len(r.emails) == 0 && len(r.emailSuffixes) == 0 {
		return true
	}

	// Author rules are in force: an event carrying no author email at all
	// fails closed.
	candidates := collectEmails(event)
	if len(candidates) == 0 {
		return false
	}

	for _, email := range candidates {
		if _, ok := r.emails[email]; ok {
			return true
		}
		for _, suffix := range r.emailSuffixes {
			if suffix == "*" || strings.HasSuffix(email, suffix) {
				return true
			}
		}
	}
	return false
}

func collectEmails(event schema.ReviewEvent) []string {
	seen := make(map[string]struct{}, len(event.AuthorEmails)+1)
	out := make([]string, 0, len(event.AuthorEmails)+1)
	appendEmail := func(email string) {
		trimmed := strings.ToLower(strings.TrimSpace(email))
		if trimmed == "" {
			return
		}
		if _, ok := seen[trimmed]; ok {
			return
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	appendEmail(event.AuthorEmail)
	for _, email := range event.AuthorEmails {
		appendEmail(email)
	}
	return out
}
