package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"
)

// SMTPSender delivers mail over implicit TLS (port 465 style). Sends are
// bounded by a concurrency limit so a slow relay cannot pile up goroutines.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	from     string
	logger   zerolog.Logger
	sem      chan struct{}
}

// NewSMTPSender builds an SMTPSender. At most five sends run concurrently.
func NewSMTPSender(host, port, username, password, from string, logger zerolog.Logger) *SMTPSender {
	if from == "" {
		from = username
	}
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		logger:   logger,
		sem:      make(chan struct{}, 5),
	}
}

// Send delivers one message. The context bounds the wait for a concurrency
// slot; the SMTP exchange itself is bounded by the connection deadline the
// dialer inherits from ctx.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.send(ctx, to, subject, body); err != nil {
		s.logger.Error().Err(err).Str("to", Redact(to)).Msg("email send failed")
		return fmt.Errorf("send email: %w", err)
	}
	s.logger.Debug().Str("to", Redact(to)).Str("subject", subject).Msg("email sent")
	return nil
}

func (s *SMTPSender) send(ctx context.Context, to, subject, body string) error {
	msg := []byte(
		fmt.Sprintf("From: %s\r\n", s.from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Quit()

	if err := client.Mail(s.from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: s.host}}
	conn, err := dialer.DialContext(ctx, "tcp", s.host+":"+s.port)
	if err != nil {
		return nil, fmt.Errorf("dial smtp relay: %w", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	auth := smtp.PlainAuth("", s.username, s.password, s.host)
	if err := client.Auth(auth); err != nil {
		client.Close()
		return nil, fmt.Errorf("smtp auth: %w", err)
	}
	return client, nil
}

// Verify dials and authenticates against the relay without sending mail. The
// server calls this at startup so a misconfigured relay fails fast.
func (s *SMTPSender) Verify(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Quit()
	return client.Noop()
}
