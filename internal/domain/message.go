package domain

import "time"

// Message is one inbox item as fetched from the source API. It lives for a
// single processing pass; only the derived watermark and seen keys survive.
type Message struct {
	ID          int64
	Channel     string
	Title       string
	RawContent  string // opaque rich-text block document (JSON)
	PublishedAt string // as received from the API
	CreatedAt   string
	Time        time.Time // parsed once at ingest, used for all ordering
	Sender      string
	SenderID    int64
	Domain      string // dispatch tag
	Type        string // dispatch tag
	Attributes  map[string]any
}

// Unix returns the message time as unix seconds (0 when unparsed).
func (m *Message) Unix() int64 {
	if m.Time.IsZero() {
		return 0
	}
	return m.Time.Unix()
}

// After reports whether m sorts strictly after the (ts, id) pair.
func (m *Message) After(ts, id int64) bool {
	mts := m.Unix()
	if mts != ts {
		return mts > ts
	}
	return m.ID > id
}

type AttachmentKind string

const (
	AttachmentFile  AttachmentKind = "file"
	AttachmentImage AttachmentKind = "image"
)

// Attachment describes a file referenced by a message. Bytes are fetched
// separately right before delivery; only the descriptor travels with the
// rendering.
type Attachment struct {
	Kind AttachmentKind
	Name string
	Size int64 // size hint from the entity map, 0 when unknown
	URL  string
}

// Rendered is the delivery-ready form of a message: flat formatted text plus
// the attachments to send after it.
type Rendered struct {
	Text        string
	Attachments []Attachment
}
