// Package notify emails moderators when the coordinator closes a thread.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"parley/api/internal/store"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	Moderator string // recipient of closure notices
}

// Service sends moderator notifications over SMTP.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if notifications are configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && s.config.Moderator != ""
}

// SendThreadClosedNotice emails the moderator that a thread was closed.
func (s *Service) SendThreadClosedNotice(thread store.Thread, reason string) error {
	subject := fmt.Sprintf("Thread %d closed: %s", thread.ID, thread.Title)
	body := fmt.Sprintf(
		"Thread %d (%q) was closed at %s.\n\nReason: %s\nSwearing score: %d\n",
		thread.ID,
		thread.Title,
		time.Now().UTC().Format(time.RFC1123),
		reason,
		thread.SwearingScore,
	)
	return s.send([]string{s.config.Moderator}, subject, body)
}

func (s *Service) send(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notifications not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}
