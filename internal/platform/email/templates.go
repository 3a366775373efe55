package email

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a reusable message body with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine registers and renders message templates. Rendering is plain
// {{key}} substitution; keys absent from the data map are left untouched so
// a missing value is visible in the delivered message rather than silently
// blank.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the portal's built-in
// templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "email-verification",
			Name:    "Email Verification",
			Subject: "Verify your MedConnect account",
			Body:    "Hello {{first_name}},<br><br>Welcome to MedConnect. Please verify your email address by clicking the link below:<br><a href=\"{{verify_link}}\">Verify Email</a><br><br>This link expires in 24 hours.",
		},
		{
			ID:      "welcome",
			Name:    "Welcome",
			Subject: "Welcome to MedConnect",
			Body:    "Hello {{first_name}},<br><br>Your account has been verified and is ready to use. You can now sign in to the patient portal.",
		},
		{
			ID:      "password-reset",
			Name:    "Password Reset",
			Subject: "Reset your MedConnect password",
			Body:    "Hello {{first_name}},<br><br>We received a request to reset your password. Click the link below to choose a new one:<br><a href=\"{{reset_link}}\">Reset Password</a><br><br>This link expires in 30 minutes. If you did not request a reset, you can ignore this message.",
		},
		{
			ID:      "appointment-reminder",
			Name:    "Appointment Reminder",
			Subject: "Appointment reminder for {{date}}",
			Body:    "Hello {{first_name}},<br><br>This is a reminder of your appointment on {{date}} at {{time}} with {{provider}}.",
		},
		{
			ID:      "security-alert",
			Name:    "Security Alert",
			Subject: "Security alert on your MedConnect account",
			Body:    "Hello {{first_name}},<br><br>{{message}}<br><br>If this wasn't you, please change your password immediately.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// List returns all registered templates.
func (e *TemplateEngine) List() []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, *t)
	}
	return out
}

// Render looks up a template by ID and substitutes {{key}} placeholders from
// the data map.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
