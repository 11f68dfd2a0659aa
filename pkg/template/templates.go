package template

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// Message kinds with a template file under the email template dir.
const (
	KindApprovalRequest = "approval_request"
	KindReminder        = "reminder"
	KindApproved        = "approved_confirmation"
	KindRejected        = "rejected_ack"
)

type TemplateService struct {
	emailPath string
}

func NewTemplateService(emailPath string) *TemplateService {
	return &TemplateService{emailPath: emailPath}
}

// Render produces the subject and HTML body for a message kind. Every kind
// is wrapped in base.html; the subject line comes from the data payload when
// present, else from a per-kind default.
func (t *TemplateService) Render(kind string, data map[string]any) (subject, html string, err error) {
	tmplName := strings.ToLower(kind)

	basePath := fmt.Sprintf("%s/base.html", t.emailPath)
	bodyPath := fmt.Sprintf("%s/%s.html", t.emailPath, tmplName)

	tmpl, err := template.ParseFiles(basePath, bodyPath)
	if err != nil {
		return "", "", fmt.Errorf("parse email templates: %w", err)
	}

	if data == nil {
		data = map[string]any{}
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		return "", "", fmt.Errorf("execute email template: %w", err)
	}

	return subjectFor(kind, data), buf.String(), nil
}

func subjectFor(kind string, data map[string]any) string {
	occasion, _ := data["Occasion"].(string)

	switch kind {
	case KindApprovalRequest:
		if occasion != "" {
			return fmt.Sprintf("Approve your %s gift", occasion)
		}
		return "Your gift is ready for approval"
	case KindReminder:
		if hrs, ok := data["HoursRemaining"].(int); ok && hrs > 0 {
			return fmt.Sprintf("Reminder: %d hours left to approve your gift", hrs)
		}
		return "Reminder: your gift is still waiting for approval"
	case KindApproved:
		return "Your gift is on its way"
	case KindRejected:
		return "Your gift was cancelled"
	default:
		return "Gift update"
	}
}
