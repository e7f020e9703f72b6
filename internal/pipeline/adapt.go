package pipeline

import "github.com/caresync/ingest/internal/mail"

// FromMailMessage adapts a fetched IMAP message into the pipeline's
// narrower Message shape.
func FromMailMessage(m *mail.Message) Message {
	return Message{
		MessageID: m.MessageID,
		Subject:   m.Subject,
		From:      m.From,
		TextBody:  m.TextBody,
		HTMLBody:  m.HTMLBody,
		ICSRaw:    m.ICSRaw,
		Size:      m.Size,
		Headers:   m.Headers,
		Labels:    m.Labels,
		Date:      m.Date,
	}
}
