package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"notibot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher serves canned JSON detail responses by path.
type fakeFetcher struct {
	responses map[string]string
	calls     []string
	err       error
}

func (f *fakeFetcher) GetJSON(_ context.Context, path string, _ url.Values, out any) error {
	f.calls = append(f.calls, path)
	if f.err != nil {
		return f.err
	}
	body, ok := f.responses[path]
	if !ok {
		return errors.New("not found: " + path)
	}
	return json.Unmarshal([]byte(body), out)
}

func TestResolve_GenericDefault(t *testing.T) {
	r := NewResolver(ResolverConfig{Fetcher: &fakeFetcher{}})
	m := &domain.Message{
		ID:         1,
		Title:      "Campus closure",
		Sender:     "Admin",
		RawContent: "plain notice body",
	}

	out := r.Resolve(context.Background(), m)
	if !strings.Contains(out.Text, "*Campus closure*") {
		t.Fatalf("generic rendering should carry the title: %q", out.Text)
	}
	if !strings.Contains(out.Text, "plain notice body") {
		t.Fatalf("generic rendering should carry the body: %q", out.Text)
	}
}

func TestResolve_LeaveFlowCard(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{
		"/workflows/88": `{"status": "approved", "stages": [
			{"name": "班主任", "status": "通过", "assignee": "王老师"},
			{"name": "年级组", "status": "通过"}
		]}`,
	}}
	r := NewResolver(ResolverConfig{Fetcher: f})

	m := &domain.Message{
		ID:         2,
		Title:      "请假审批通过",
		Sender:     "李同学",
		Domain:     "workflow",
		Type:       "leave_flow",
		RawContent: "your leave request was approved",
		Attributes: map[string]any{"flow_id": "88"},
	}

	out := r.Resolve(context.Background(), m)
	if len(f.calls) != 1 || f.calls[0] != "/workflows/88" {
		t.Fatalf("expected one workflow fetch, got %v", f.calls)
	}
	for _, want := range []string{"*状态:* approved", "*班主任:* 通过 (王老师)", "*年级组:* 通过"} {
		if !strings.Contains(out.Text, want) {
			t.Fatalf("card missing %q:\n%s", want, out.Text)
		}
	}
}

func TestResolve_FetchFailureFallsBackToGeneric(t *testing.T) {
	f := &fakeFetcher{err: errors.New("detail endpoint down")}
	r := NewResolver(ResolverConfig{Fetcher: f})

	m := &domain.Message{
		ID:         3,
		Title:      "请假审批通过",
		Sender:     "李同学",
		Domain:     "workflow",
		Type:       "leave_flow",
		RawContent: "body text survives",
		Attributes: map[string]any{"flow_id": "88"},
	}

	out := r.Resolve(context.Background(), m)
	if !strings.Contains(out.Text, "body text survives") {
		t.Fatalf("failed enrichment must fall back to generic, got %q", out.Text)
	}
	if strings.Contains(out.Text, "状态") {
		t.Fatal("fallback output should not contain card fields")
	}
}

func TestResolve_KeywordDispatch(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{
		"/attendance/records/7": `{"date": "2026-08-25", "course": "Math", "status": "迟到"}`,
	}}
	r := NewResolver(ResolverConfig{Fetcher: f})

	// No explicit tags; the title keyword should route to attendance.
	m := &domain.Message{
		ID:         4,
		Title:      "考勤结果通知",
		Sender:     "教务",
		RawContent: "see record",
		Attributes: map[string]any{"record_id": "7"},
	}

	out := r.Resolve(context.Background(), m)
	if !strings.Contains(out.Text, "*结果:* 迟到") {
		t.Fatalf("keyword dispatch should reach the attendance handler:\n%s", out.Text)
	}
}

func TestResolve_DiscussionNeedsNoFetch(t *testing.T) {
	f := &fakeFetcher{}
	r := NewResolver(ResolverConfig{Fetcher: f})

	m := &domain.Message{
		ID:         5,
		Title:      "Someone replied to your post",
		Sender:     "Zhang",
		Domain:     "chalk",
		Type:       "discussion_reply",
		RawContent: "reply body",
		Attributes: map[string]any{"topic": "Homework 3"},
	}

	out := r.Resolve(context.Background(), m)
	if len(f.calls) != 0 {
		t.Fatalf("discussion handler must not fetch, got %v", f.calls)
	}
	if !strings.Contains(out.Text, "*话题:* Homework 3") {
		t.Fatalf("discussion card missing topic:\n%s", out.Text)
	}
}

func TestLoadRules_CustomRuleOutranksBuiltin(t *testing.T) {
	dir := t.TempDir()
	rule := `category: evaluation-published
keywords:
  - "考勤"
`
	if err := os.WriteFile(filepath.Join(dir, "override.yaml"), []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(ResolverConfig{Fetcher: &fakeFetcher{}, RulesDir: dir})
	m := &domain.Message{
		ID:         6,
		Title:      "考勤",
		Sender:     "教务",
		RawContent: "x",
	}

	// The custom rule routes 考勤 to the evaluation handler (card with
	// 发布人), not the attendance handler (which would fail without ids).
	out := r.Resolve(context.Background(), m)
	if !strings.Contains(out.Text, "*发布人:* 教务") {
		t.Fatalf("custom rule should win over the built-in keyword table:\n%s", out.Text)
	}
}

func TestLoadRules_BadFilesSkipped(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{{{\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "ok.yaml"), []byte("category: leave-request\nkeywords: [vacaciones]"), 0o644)
	os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644)

	rules, err := LoadRules(dir, discardLogger())
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if len(rules) != 1 || rules[0].Category != CategoryLeave {
		t.Fatalf("expected exactly the valid rule, got %+v", rules)
	}
}
