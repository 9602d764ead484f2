// Package enrich upgrades specific message kinds into structured cards by
// fetching supplementary detail from secondary endpoints. Dispatch is an
// ordered table of (predicate, handler) pairs with a guaranteed generic
// fallback, so every message renders something.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"notibot/internal/domain"
	"notibot/internal/normalize"
)

// Category is the coarse message kind a rule maps to.
type Category string

const (
	CategoryLeave      Category = "leave-request"
	CategoryAttendance Category = "attendance-result"
	CategoryDiscussion Category = "discussion-reply"
	CategoryEvaluation Category = "evaluation-published"
	CategoryGeneric    Category = "generic"
)

// DetailFetcher performs the authorized secondary GETs handlers need.
// Implemented by source.Client.
type DetailFetcher interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
}

type handlerFunc func(ctx context.Context, m *domain.Message, base domain.Rendered) (domain.Rendered, error)

// rule pairs a predicate with the handler to run when it matches. Rules are
// evaluated in table order; the first match wins.
type rule struct {
	name  string
	match func(m *domain.Message) bool
	run   handlerFunc
}

// Resolver dispatches messages to enrichment handlers. A handler error never
// fails the message: the resolver falls back to the generic rendering.
type Resolver struct {
	fetch  DetailFetcher
	rules  []rule
	logger *slog.Logger
}

type ResolverConfig struct {
	Fetcher  DetailFetcher
	RulesDir string // extra YAML keyword rules, merged ahead of the built-ins
	Logger   *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{fetch: cfg.Fetcher, logger: logger}

	// Explicit (domain, type) tags first: they are authoritative.
	for _, t := range builtinTags {
		t := t
		r.rules = append(r.rules, rule{
			name: fmt.Sprintf("tag:%s/%s", t.domain, t.typ),
			match: func(m *domain.Message) bool {
				return m.Domain == t.domain && m.Type == t.typ
			},
			run: r.handlerFor(t.category),
		})
	}

	// Custom keyword rules outrank the built-in keyword table.
	custom, err := LoadRules(cfg.RulesDir, logger)
	if err != nil {
		logger.Warn("cannot load custom enrichment rules", "dir", cfg.RulesDir, "err", err)
	}
	for _, kr := range append(custom, builtinKeywords...) {
		kr := kr
		r.rules = append(r.rules, rule{
			name:  "keywords:" + string(kr.Category),
			match: kr.matches,
			run:   r.handlerFor(kr.Category),
		})
	}

	return r
}

// Resolve renders m, enriched when a rule matches, generic otherwise.
func (r *Resolver) Resolve(ctx context.Context, m *domain.Message) domain.Rendered {
	base := normalize.Render(m.RawContent)

	for _, rl := range r.rules {
		if !rl.match(m) {
			continue
		}
		out, err := rl.run(ctx, m, base)
		if err != nil {
			r.logger.Warn("enrichment failed, using generic rendering",
				"rule", rl.name, "message", m.ID, "err", err)
			break
		}
		return out
	}

	return renderGeneric(m, base)
}

func (r *Resolver) handlerFor(c Category) handlerFunc {
	switch c {
	case CategoryLeave:
		return r.renderLeave
	case CategoryAttendance:
		return r.renderAttendance
	case CategoryDiscussion:
		return renderDiscussion
	case CategoryEvaluation:
		return renderEvaluation
	default:
		return func(ctx context.Context, m *domain.Message, base domain.Rendered) (domain.Rendered, error) {
			return renderGeneric(m, base), nil
		}
	}
}

// --- built-in dispatch tables ---

var builtinTags = []struct {
	domain, typ string
	category    Category
}{
	{"workflow", "leave_flow", CategoryLeave},
	{"attendance", "attendance_result", CategoryAttendance},
	{"chalk", "discussion_reply", CategoryDiscussion},
	{"evaluation", "evaluation_published", CategoryEvaluation},
}

var builtinKeywords = []KeywordRule{
	{Category: CategoryLeave, Keywords: []string{"请假", "审批", "leave request", "approval"}},
	{Category: CategoryAttendance, Keywords: []string{"考勤", "出勤", "attendance"}},
	{Category: CategoryDiscussion, Keywords: []string{"回复了", "评论", "讨论", "replied", "comment"}},
	{Category: CategoryEvaluation, Keywords: []string{"评教", "评价已发布", "evaluation published"}},
}

// RenderPlain is the generic rendering without any enrichment dispatch,
// for deployments that disable the resolver entirely.
func RenderPlain(m *domain.Message) domain.Rendered {
	return renderGeneric(m, normalize.Render(m.RawContent))
}

// renderGeneric is the guaranteed default: title, sender, normalized body.
func renderGeneric(m *domain.Message, base domain.Rendered) domain.Rendered {
	var sb strings.Builder
	if m.Title != "" {
		fmt.Fprintf(&sb, "*%s*\n", m.Title)
	}
	if m.Sender != "" {
		fmt.Fprintf(&sb, "_%s_\n", m.Sender)
	}
	if base.Text != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(base.Text)
	}
	return domain.Rendered{Text: sb.String(), Attachments: base.Attachments}
}
