package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// EmailHandler sends plain-text mail over SMTP. Settings: smtp_addr
// (host:port), from, to (comma separated), and optional username and
// password for PLAIN auth.
type EmailHandler struct{}

func (EmailHandler) Type() types.ChannelType { return types.ChannelEmail }

func (EmailHandler) Send(ctx context.Context, ch *types.NotificationChannel, alert *types.Alert) error {
	addr := ch.Settings["smtp_addr"]
	from := ch.Settings["from"]
	recipients := splitRecipients(ch.Settings["to"])

	var auth smtp.Auth
	if user := ch.Settings["username"]; user != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i > 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", user, ch.Settings["password"], host)
	}

	msg := buildEmail(from, recipients, alert)

	// net/smtp has no context support; run the send in a goroutine so a
	// cancelled dispatch does not hang on a dead server.
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(addr, auth, from, recipients, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func splitRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildEmail(from string, to []string, alert *types.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Status:    %s\r\n", alert.Status)
	fmt.Fprintf(&b, "Value:     %.2f%s (threshold %.2f%s)\r\n", alert.ActualValue, alert.Unit, alert.Threshold, alert.Unit)
	if alert.HostID != "" {
		fmt.Fprintf(&b, "Host:      %s\r\n", alert.HostID)
	}
	if alert.ServiceID != "" {
		fmt.Fprintf(&b, "Service:   %s\r\n", alert.ServiceID)
	}
	fmt.Fprintf(&b, "Alert id:  %s\r\n", alert.ID)
	return []byte(b.String())
}
