// Package router maps a task description to a worker role. Keyword rules
// decide the common cases for free; an optional LLM completer breaks ties.
// The classifier is stateless and recomputed at every dispatch, so a
// description edit between retries can land a task on a different queue.
package router

import (
	"context"
	"strings"

	"github.com/3lC4pt41n/ai-org-prototype/internal/otel"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// Completer produces a short completion for a prompt. Satisfied by the
// planner's LLM client.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Classifier assigns roles. Zero value classifies by keywords only.
type Classifier struct {
	completer Completer
}

// New returns a keyword-only classifier.
func New() *Classifier {
	return &Classifier{}
}

// WithCompleter adds an LLM fallback for descriptions no keyword matches.
func (c *Classifier) WithCompleter(comp Completer) *Classifier {
	c.completer = comp
	return c
}

var keywordRoles = []struct {
	role     string
	keywords []string
}{
	{models.RoleUxUI, []string{"ui", "ux", "design", "layout", "screen", "frontend"}},
	{models.RoleQA, []string{"qa", "test", "review", "verify", "validate"}},
	{models.RoleTelemetry, []string{"metric", "telemetry", "monitor", "dashboard"}},
}

// Classify returns a dispatchable role for the description. Any failure or
// unknown answer falls back to dev.
func (c *Classifier) Classify(ctx context.Context, description string) string {
	lower := strings.ToLower(description)
	for _, kr := range keywordRoles {
		for _, kw := range kr.keywords {
			if containsWord(lower, kw) {
				return kr.role
			}
		}
	}
	if c.completer == nil {
		return models.RoleDev
	}
	answer, err := c.completer.Complete(ctx, classifyPrompt(description))
	if err != nil {
		otel.Alert(ctx, "llm", "classifier completion failed, defaulting to dev", "error", err)
		return models.RoleDev
	}
	role := strings.ToLower(strings.TrimSpace(answer))
	role = strings.Trim(role, `"'.`)
	if models.KnownRole(role) {
		return role
	}
	return models.RoleDev
}

func classifyPrompt(description string) string {
	return "Classify the following task into exactly one role out of " +
		strings.Join(models.Roles, ", ") +
		". Answer with the role name only.\n\nTask: " + description
}

// containsWord matches kw as a whole token so "ui" does not fire on "build".
func containsWord(s, kw string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordByte(s[start-1])
		afterOK := end == len(s) || !isWordByte(s[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}
