package action

import (
	"regexp"

	"github.com/salesops-ai/sentinel/core"
)

// Action types and their endpoints on the remote service.
const (
	TypeCreateTicket = "create_ticket"
	TypeSendEmail    = "send_email"
)

// Payload is one typed action body. Variants validate their own required
// fields and scrub PII from free-text fields before transmission.
type Payload interface {
	// ActionType tags the variant.
	ActionType() string

	// Endpoint is the remote path the payload posts to.
	Endpoint() string

	// Validate checks required-field presence. Failures are
	// Validation-classified and never reach the network.
	Validate() error

	// Sanitized returns a copy with email-like patterns stripped from
	// free-text fields. Applied regardless of validation outcome.
	Sanitized() Payload
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

func redactEmails(s string) string {
	return emailPattern.ReplaceAllString(s, "<REDACTED_EMAIL>")
}

// CreateTicket opens an investigation ticket.
type CreateTicket struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	AnomalyID   string `json:"anomaly_id"`
	Assignee    string `json:"assignee,omitempty"`
}

func (t CreateTicket) ActionType() string { return TypeCreateTicket }
func (t CreateTicket) Endpoint() string   { return "/tickets" }

func (t CreateTicket) Validate() error {
	switch {
	case t.Title == "":
		return core.Classifiedf(core.KindValidation, "create_ticket: missing required field title")
	case t.Priority == "":
		return core.Classifiedf(core.KindValidation, "create_ticket: missing required field priority")
	case t.AnomalyID == "":
		return core.Classifiedf(core.KindValidation, "create_ticket: missing required field anomaly_id")
	}
	return nil
}

func (t CreateTicket) Sanitized() Payload {
	t.Description = redactEmails(t.Description)
	return t
}

// SendEmail notifies a human about an anomaly.
type SendEmail struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (e SendEmail) ActionType() string { return TypeSendEmail }
func (e SendEmail) Endpoint() string   { return "/emails/send" }

func (e SendEmail) Validate() error {
	switch {
	case e.Recipient == "":
		return core.Classifiedf(core.KindValidation, "send_email: missing required field recipient")
	case e.Subject == "":
		return core.Classifiedf(core.KindValidation, "send_email: missing required field subject")
	case e.Body == "":
		return core.Classifiedf(core.KindValidation, "send_email: missing required field body")
	}
	return nil
}

func (e SendEmail) Sanitized() Payload {
	e.Body = redactEmails(e.Body)
	return e
}
