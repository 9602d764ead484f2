// Package normalize converts the inbox API's rich-text block documents into
// flat formatted text plus attachment descriptors ready for delivery.
package normalize

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"notibot/internal/domain"
)

const (
	// Interior blocks with no visible text keep their line with a zero-width
	// space so paragraph spacing survives the join.
	zeroWidth = "​"

	glyphCritical  = "🔴"
	glyphWarning   = "🟠"
	glyphHighlight = "🔹"
)

// document mirrors the block-document wire format. The content payload is a
// JSON object with an ordered block list and an integer-keyed entity map.
type document struct {
	Blocks    []block           `json:"blocks"`
	EntityMap map[string]entity `json:"entityMap"`
}

type block struct {
	Text              string          `json:"text"`
	Type              string          `json:"type"`
	InlineStyleRanges []styleRange    `json:"inlineStyleRanges"`
	EntityRanges      []entityRange   `json:"entityRanges"`
	Data              json.RawMessage `json:"data"`
}

type styleRange struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Style  string `json:"style"`
}

type entityRange struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
	Key    int `json:"key"`
}

type entity struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Render flattens a block document into formatted text and attachment
// descriptors. Input that does not parse as a block document is returned
// verbatim as plain text; Render never fails and is deterministic.
func Render(raw string) domain.Rendered {
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || len(doc.Blocks) == 0 {
		return domain.Rendered{Text: raw}
	}

	lines := make([]string, 0, len(doc.Blocks))
	var attachments []domain.Attachment

	for _, b := range doc.Blocks {
		lines = append(lines, renderBlock(b))
		attachments = append(attachments, resolveEntities(b, doc.EntityMap)...)
	}

	// Drop trailing empty blocks, keep interior ones as zero-width lines.
	last := -1
	for i, line := range lines {
		if line != "" {
			last = i
		}
	}
	lines = lines[:last+1]
	for i, line := range lines {
		if line == "" {
			lines[i] = zeroWidth
		}
	}

	return domain.Rendered{
		Text:        strings.Join(lines, "\n"),
		Attachments: attachments,
	}
}

func renderBlock(b block) string {
	text := applyBold(b.Text, b.InlineStyleRanges)
	if text == "" {
		return ""
	}
	if g := colorGlyph(b.InlineStyleRanges); g != "" {
		text = g + " " + text
	}
	if textAlign(b.Data) == "right" {
		text = "> " + text
	}
	return text
}

// applyBold wraps BOLD style ranges in '*'. Offsets count runes; ranges are
// applied back to front so earlier offsets stay valid.
func applyBold(text string, ranges []styleRange) string {
	runes := []rune(text)
	var bold []styleRange
	for _, r := range ranges {
		if strings.EqualFold(r.Style, "BOLD") && r.Length > 0 {
			bold = append(bold, r)
		}
	}
	if len(bold) == 0 {
		return text
	}
	sort.Slice(bold, func(i, j int) bool { return bold[i].Offset > bold[j].Offset })

	for _, r := range bold {
		start, end := r.Offset, r.Offset+r.Length
		if start < 0 || start >= len(runes) {
			continue
		}
		if end > len(runes) {
			end = len(runes)
		}
		if strings.TrimSpace(string(runes[start:end])) == "" {
			continue
		}
		wrapped := append([]rune{}, runes[:start]...)
		wrapped = append(wrapped, '*')
		wrapped = append(wrapped, runes[start:end]...)
		wrapped = append(wrapped, '*')
		wrapped = append(wrapped, runes[end:]...)
		runes = wrapped
	}
	return string(runes)
}

// colorGlyph maps the first color-coded style range to a severity glyph.
func colorGlyph(ranges []styleRange) string {
	for _, r := range ranges {
		style := strings.ToUpper(r.Style)
		switch {
		case strings.Contains(style, "RED"):
			return glyphCritical
		case strings.Contains(style, "ORANGE"):
			return glyphWarning
		case strings.Contains(style, "THEME"):
			return glyphHighlight
		}
	}
	return ""
}

// textAlign extracts data.textAlign, tolerating absent or non-object data.
func textAlign(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	if v, ok := m["textAlign"].(string); ok {
		return v
	}
	return ""
}

func resolveEntities(b block, entities map[string]entity) []domain.Attachment {
	var out []domain.Attachment
	for _, er := range b.EntityRanges {
		ent, ok := entities[strconv.Itoa(er.Key)]
		if !ok {
			continue
		}
		switch strings.ToUpper(ent.Type) {
		case "FILE":
			out = append(out, domain.Attachment{
				Kind: domain.AttachmentFile,
				Name: stringField(ent.Data, "name", "file"),
				Size: sizeField(ent.Data),
				URL:  stringField(ent.Data, "url", ""),
			})
		case "IMAGE":
			url := stringField(ent.Data, "url", "")
			if url == "" {
				url = stringField(ent.Data, "src", "")
			}
			out = append(out, domain.Attachment{
				Kind: domain.AttachmentImage,
				Name: "image",
				URL:  url,
			})
		}
	}
	return out
}

func stringField(data map[string]any, key, fallback string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// sizeField reads the size hint, which arrives as a JSON number or string.
func sizeField(data map[string]any) int64 {
	switch v := data["size"].(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
