// Package email provides the SMTP delivery gateway, message templates, and
// the address redaction helper used wherever addresses appear in logs.
package email

import (
	"context"
	"strings"
)

// Sender delivers a single email message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Redact masks the local part of an email address for logging:
// "jane.doe@example.com" becomes "xxx***@example.com".
func Redact(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "xxx***"
	}
	return "xxx***@" + address[at+1:]
}
