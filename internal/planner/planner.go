// Package planner turns a tenant's purpose into an initial backlog. The
// scheduler calls the Seeder exactly when a tenant has zero open tasks;
// everything after that first plan grows through the API or future planner
// passes, never by reseeding.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/3lC4pt41n/ai-org-prototype/internal/repo"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// TaskSpec is one planned task. ID is symbolic ("t1") and only meaningful
// inside a single plan: DependsOn refers to these symbolic ids and is resolved
// to real task ids at insert time.
type TaskSpec struct {
	ID               string   `json:"id"`
	Description      string   `json:"description"`
	BusinessValue    float64  `json:"business_value"`
	TokensPlan       int64    `json:"tokens_plan"`
	PurposeRelevance float64  `json:"purpose_relevance"`
	DependsOn        []string `json:"depends_on"`
}

// Seeder produces the initial plan for a tenant.
type Seeder interface {
	Seed(ctx context.Context, tenantID, purpose string) ([]TaskSpec, error)
}

// StaticSeeder returns a fixed plan. Used in tests and demo mode.
type StaticSeeder struct {
	Specs []TaskSpec
}

func (s StaticSeeder) Seed(context.Context, string, string) ([]TaskSpec, error) {
	return s.Specs, nil
}

// DemoPlan is the out-of-the-box backlog for a freshly seeded tenant.
func DemoPlan() []TaskSpec {
	return []TaskSpec{
		{ID: "t1", Description: "Draft the product skeleton and module layout", BusinessValue: 8, TokensPlan: 1200, PurposeRelevance: 0.9},
		{ID: "t2", Description: "Implement the core service endpoints", BusinessValue: 9, TokensPlan: 2500, PurposeRelevance: 0.95, DependsOn: []string{"t1"}},
		{ID: "t3", Description: "Design the onboarding UI flow", BusinessValue: 6, TokensPlan: 1500, PurposeRelevance: 0.7, DependsOn: []string{"t1"}},
		{ID: "t4", Description: "Write integration tests for the service endpoints", BusinessValue: 7, TokensPlan: 1000, PurposeRelevance: 0.8, DependsOn: []string{"t2"}},
		{ID: "t5", Description: "Add request metrics and a health dashboard", BusinessValue: 5, TokensPlan: 800, PurposeRelevance: 0.6, DependsOn: []string{"t2"}},
	}
}

// LLMPlanner asks the model for a JSON backlog.
type LLMPlanner struct {
	Client *Client
	log    *slog.Logger
}

// NewLLMPlanner wraps a chat client.
func NewLLMPlanner(c *Client) *LLMPlanner {
	return &LLMPlanner{Client: c, log: slog.Default()}
}

const architectSystem = `You are a software architect planning a backlog.
Respond with a JSON array wrapped in a ` + "```json" + ` fence. Each element:
{"id": "t1", "description": "...", "business_value": 0-10,
 "tokens_plan": <estimated tokens>, "purpose_relevance": 0.0-1.0,
 "depends_on": ["t0", ...]}.
Ids are local to this plan. 5 to 12 tasks. No prose outside the fence.`

func (p *LLMPlanner) Seed(ctx context.Context, tenantID, purpose string) ([]TaskSpec, error) {
	if purpose == "" {
		purpose = "Build a minimal viable product for tenant " + tenantID
	}
	answer, err := p.Client.Chat(ctx, architectSystem, "Purpose: "+purpose)
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}
	specs := ParsePlan(answer)
	if len(specs) == 0 {
		return nil, fmt.Errorf("planner returned no parseable tasks")
	}
	return specs, nil
}

// ParsePlan extracts the JSON array from a model answer and decodes it,
// dropping elements without a description.
func ParsePlan(answer string) []TaskSpec {
	raw := extractJSON(answer)
	if raw == "" {
		return nil
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil
	}
	var specs []TaskSpec
	parsed.ForEach(func(_, item gjson.Result) bool {
		desc := strings.TrimSpace(item.Get("description").String())
		if desc == "" {
			return true
		}
		spec := TaskSpec{
			ID:               item.Get("id").String(),
			Description:      desc,
			BusinessValue:    item.Get("business_value").Float(),
			TokensPlan:       item.Get("tokens_plan").Int(),
			PurposeRelevance: item.Get("purpose_relevance").Float(),
		}
		item.Get("depends_on").ForEach(func(_, dep gjson.Result) bool {
			if s := dep.String(); s != "" {
				spec.DependsOn = append(spec.DependsOn, s)
			}
			return true
		})
		specs = append(specs, spec)
		return true
	})
	return specs
}

// extractJSON prefers a fenced ```json block and falls back to slicing from
// the first '[' to the last ']'.
func extractJSON(answer string) string {
	if i := strings.Index(answer, "```json"); i >= 0 {
		rest := answer[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start >= 0 && end > start {
		return answer[start : end+1]
	}
	return ""
}

// Insert writes a plan through the repo in two phases: tasks first (recording
// symbolic id -> task id), then the dependency edges. A dependency naming an
// unknown symbolic id is skipped with a warning rather than failing the plan.
func Insert(ctx context.Context, r *repo.Repo, tenantID string, purposeID *string, specs []TaskSpec) ([]models.Task, error) {
	log := slog.Default()
	idMap := make(map[string]string, len(specs))
	tasks := make([]models.Task, 0, len(specs))
	for _, spec := range specs {
		task, err := r.AddTask(ctx, tenantID, purposeID, spec.Description, models.TaskMetrics{
			BusinessValue:    spec.BusinessValue,
			TokensPlan:       spec.TokensPlan,
			PurposeRelevance: spec.PurposeRelevance,
		}, nil, models.DepOriginPlanner)
		if err != nil {
			return tasks, fmt.Errorf("insert planned task %q: %w", spec.ID, err)
		}
		if spec.ID != "" {
			idMap[spec.ID] = task.TaskID
		}
		tasks = append(tasks, task)
	}
	for _, spec := range specs {
		to := idMap[spec.ID]
		for _, dep := range spec.DependsOn {
			from, ok := idMap[dep]
			if !ok {
				log.Warn("plan references unknown task id", "tenant_id", tenantID, "from", dep, "to", spec.ID)
				continue
			}
			if err := r.Link(ctx, from, to, models.DepKindFinishStart, models.DepOriginPlanner); err != nil {
				return tasks, fmt.Errorf("link planned edge %s->%s: %w", dep, spec.ID, err)
			}
		}
	}
	return tasks, nil
}
