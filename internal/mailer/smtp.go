package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"approval-service/pkg/id"
)

type EmailSender struct {
	smtpHost string
	smtpPort string
	username string
	password string
	from     string
}

func NewEmailSender(host, port, user, pass, from string) *EmailSender {
	if from == "" {
		from = user
	}
	return &EmailSender{
		smtpHost: host,
		smtpPort: port,
		username: user,
		password: pass,
		from:     from,
	}
}

// Send delivers an HTML email over implicit TLS and returns the generated
// message id, which is also stamped into the Message-ID header so provider
// callbacks can be correlated with the delivery log.
func (e *EmailSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	msgID := id.GenerateULID("msg")

	msg := []byte(
		fmt.Sprintf("From: %s\r\n", e.from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			fmt.Sprintf("Message-ID: <%s@%s>\r\n", msgID, e.smtpHost) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)

	serverAddr := e.smtpHost + ":" + e.smtpPort

	// Implicit TLS for port 465
	tlsConfig := &tls.Config{
		ServerName: e.smtpHost,
	}

	dialer := &tls.Dialer{Config: tlsConfig}
	rawConn, err := dialer.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return "", err
	}
	defer rawConn.Close()

	client, err := smtp.NewClient(rawConn, e.smtpHost)
	if err != nil {
		return "", err
	}
	defer client.Quit()

	auth := smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	if err := client.Auth(auth); err != nil {
		return "", err
	}

	if err := client.Mail(e.from); err != nil {
		return "", err
	}
	if err := client.Rcpt(to); err != nil {
		return "", err
	}

	w, err := client.Data()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(msg); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return msgID, nil
}
