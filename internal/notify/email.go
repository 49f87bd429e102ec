// Package notify sends stream-down and recovery alerts by webhook, email and log file.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/camwall/camstream/internal/config"
	"github.com/camwall/camstream/internal/util"
)

// EmailConfig contains SMTP server settings for email notifications.
type EmailConfig struct {
	Host       string
	Port       int
	FromName   string
	Username   string
	Password   string
	Recipients string
}

// EmailConfigFrom converts the settings section into an EmailConfig.
func EmailConfigFrom(c config.EmailConfig) *EmailConfig {
	return &EmailConfig{
		Host:       c.Host,
		Port:       c.Port,
		FromName:   c.FromName,
		Username:   c.Username,
		Password:   c.Password,
		Recipients: c.Recipients,
	}
}

// SendStreamDownAlert emails that a camera stream keeps failing.
func SendStreamDownAlert(cfg *EmailConfig, camera, streamID string, failures int, lastError string) error {
	if !util.IsConfigured(cfg.Host, cfg.Username, cfg.Recipients) {
		return nil // Silently skip if not configured
	}

	subject := fmt.Sprintf("[ALERT] Camera Down - %s", camera)
	body := fmt.Sprintf(
		"The stream for camera %q is failing.\n\n"+
			"Stream:     %s\n"+
			"Failures:   %d in a row\n"+
			"Last error: %s\n"+
			"Time:       %s\n\n"+
			"The stream keeps retrying. Please check the camera and its network.",
		camera, streamID, failures, orNone(lastError), util.HumanTime(),
	)

	return sendEmail(cfg, subject, body)
}

// SendStreamRecoveredAlert emails that a failing stream is stable again.
func SendStreamRecoveredAlert(cfg *EmailConfig, camera, streamID string, downFor time.Duration) error {
	if !util.IsConfigured(cfg.Host, cfg.Username, cfg.Recipients) {
		return nil // Silently skip if not configured
	}

	subject := fmt.Sprintf("[OK] Camera Recovered - %s", camera)
	body := fmt.Sprintf(
		"The stream for camera %q is running again.\n\n"+
			"Stream:     %s\n"+
			"Down for:   %s\n"+
			"Time:       %s",
		camera, streamID, downFor.Round(time.Second), util.HumanTime(),
	)

	return sendEmail(cfg, subject, body)
}

// SendTestEmail sends a test email to verify SMTP configuration.
func SendTestEmail(cfg *EmailConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if cfg.Username == "" {
		return fmt.Errorf("email username not configured")
	}
	if cfg.Recipients == "" {
		return fmt.Errorf("email recipients not configured")
	}

	subject := "[TEST] Camera Stream Server"
	body := fmt.Sprintf(
		"Test email from the camera stream server.\n\n"+
			"Time: %s\n\n"+
			"SMTP configuration is working correctly.",
		util.HumanTime(),
	)

	return sendEmail(cfg, subject, body)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// parseRecipients splits a comma-separated recipient list.
func parseRecipients(list string) []string {
	var recipients []string
	for r := range strings.SplitSeq(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	return recipients
}

// sendEmail delivers an email message to configured recipients.
func sendEmail(cfg *EmailConfig, subject, body string) error {
	recipients := parseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	m := mail.NewMsg()
	if cfg.FromName != "" {
		if err := m.FromFormat(cfg.FromName, cfg.Username); err != nil {
			return util.WrapError("set from address", err)
		}
	} else if err := m.From(cfg.Username); err != nil {
		return util.WrapError("set from address", err)
	}
	if err := m.To(recipients...); err != nil {
		return util.WrapError("set recipient address", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}

	switch cfg.Port {
	case 465: // SMTPS - implicit TLS
		opts = append(opts, mail.WithSSL())
	case 587: // Submission - STARTTLS required
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default: // Port 25 or custom - opportunistic TLS
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return util.WrapError("create SMTP client", err)
	}

	if err := c.DialAndSend(m); err != nil {
		return util.WrapError("send email", err)
	}

	return nil
}
