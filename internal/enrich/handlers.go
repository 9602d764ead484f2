package enrich

import (
	"context"
	"fmt"
	"strings"

	"notibot/internal/domain"
)

// field is one labeled line of a card.
type field struct {
	label string
	value string
}

// renderCard builds the structured form: bold title, labeled fields, then
// the normalized body. Empty fields are dropped.
func renderCard(title string, fields []field, body string, attachments []domain.Attachment) domain.Rendered {
	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "*%s*\n", title)
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		fmt.Fprintf(&sb, "*%s:* %s\n", f.label, f.value)
	}
	if body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}
	return domain.Rendered{Text: strings.TrimRight(sb.String(), "\n"), Attachments: attachments}
}

// attrString reads a string-ish attribute; numbers are formatted plainly.
func attrString(m *domain.Message, key string) string {
	switch v := m.Attributes[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// renderLeave resolves the approval flow behind a leave-request message and
// renders its stages. Missing flow id or a failed fetch falls back to the
// generic path.
func (r *Resolver) renderLeave(ctx context.Context, m *domain.Message, base domain.Rendered) (domain.Rendered, error) {
	flowID := attrString(m, "flow_id")
	if flowID == "" || r.fetch == nil {
		return domain.Rendered{}, fmt.Errorf("no flow id on message %d", m.ID)
	}

	var flow struct {
		Status string `json:"status"`
		Stages []struct {
			Name     string `json:"name"`
			Status   string `json:"status"`
			Assignee string `json:"assignee"`
		} `json:"stages"`
	}
	if err := r.fetch.GetJSON(ctx, "/workflows/"+flowID, nil, &flow); err != nil {
		return domain.Rendered{}, fmt.Errorf("fetch workflow %s: %w", flowID, err)
	}
	if flow.Status == "" {
		return domain.Rendered{}, fmt.Errorf("workflow %s carried no status", flowID)
	}

	fields := []field{
		{"申请人", m.Sender},
		{"状态", flow.Status},
	}
	for _, st := range flow.Stages {
		v := st.Status
		if st.Assignee != "" {
			v += " (" + st.Assignee + ")"
		}
		fields = append(fields, field{st.Name, v})
	}
	return renderCard(m.Title, fields, base.Text, base.Attachments), nil
}

// renderAttendance resolves the attendance record a result message points at.
func (r *Resolver) renderAttendance(ctx context.Context, m *domain.Message, base domain.Rendered) (domain.Rendered, error) {
	recordID := attrString(m, "record_id")
	if recordID == "" || r.fetch == nil {
		return domain.Rendered{}, fmt.Errorf("no record id on message %d", m.ID)
	}

	var record struct {
		Date   string `json:"date"`
		Course string `json:"course"`
		Status string `json:"status"`
		Remark string `json:"remark"`
	}
	if err := r.fetch.GetJSON(ctx, "/attendance/records/"+recordID, nil, &record); err != nil {
		return domain.Rendered{}, fmt.Errorf("fetch attendance record %s: %w", recordID, err)
	}
	if record.Status == "" {
		return domain.Rendered{}, fmt.Errorf("attendance record %s carried no status", recordID)
	}

	fields := []field{
		{"日期", record.Date},
		{"课程", record.Course},
		{"结果", record.Status},
		{"备注", record.Remark},
	}
	return renderCard(m.Title, fields, base.Text, base.Attachments), nil
}

// renderDiscussion needs no secondary fetch: the reply body is already in
// the message, so the card only reorders what is there.
func renderDiscussion(_ context.Context, m *domain.Message, base domain.Rendered) (domain.Rendered, error) {
	fields := []field{
		{"回复人", m.Sender},
		{"话题", attrString(m, "topic")},
	}
	return renderCard(m.Title, fields, base.Text, base.Attachments), nil
}

func renderEvaluation(_ context.Context, m *domain.Message, base domain.Rendered) (domain.Rendered, error) {
	fields := []field{
		{"发布人", m.Sender},
		{"课程", attrString(m, "course")},
	}
	return renderCard(m.Title, fields, base.Text, base.Attachments), nil
}
