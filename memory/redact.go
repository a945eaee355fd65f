package memory

import "regexp"

// PII patterns scrubbed from text before storage. Order matters: card-like
// digit runs are matched before bare phone numbers so a 16-digit card is not
// partially rewritten as a phone.
var (
	emailPattern = regexp.MustCompile(`[\w.\-]+@[\w.\-]+\.\w+`)
	cardPattern  = regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`\b(\d{3}[-.]?)?\d{3}[-.]?\d{4}\b`)
)

// RedactPII replaces emails, card numbers, SSNs, and phone numbers with
// placeholder tokens.
func RedactPII(text string) string {
	if text == "" {
		return text
	}
	text = emailPattern.ReplaceAllString(text, "<EMAIL>")
	text = cardPattern.ReplaceAllString(text, "<CREDIT_CARD>")
	text = ssnPattern.ReplaceAllString(text, "<SSN>")
	text = phonePattern.ReplaceAllString(text, "<PHONE>")
	return text
}
