package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// SlackHandler posts alerts to Slack, either through an incoming webhook
// (settings: webhook_url) or the Web API (settings: token, channel).
type SlackHandler struct{}

func (SlackHandler) Type() types.ChannelType { return types.ChannelSlack }

func (SlackHandler) Send(ctx context.Context, ch *types.NotificationChannel, alert *types.Alert) error {
	attachment := slack.Attachment{
		Color: severityColor(alert.Severity),
		Title: alert.Title,
		Text:  alert.Message,
		Fields: []slack.AttachmentField{
			{Title: "Severity", Value: string(alert.Severity), Short: true},
			{Title: "Status", Value: string(alert.Status), Short: true},
			{Title: "Value", Value: fmt.Sprintf("%.2f%s (threshold %.2f%s)", alert.ActualValue, alert.Unit, alert.Threshold, alert.Unit), Short: true},
		},
		Footer: "powerdaemon",
	}
	if alert.HostID != "" {
		attachment.Fields = append(attachment.Fields,
			slack.AttachmentField{Title: "Host", Value: alert.HostID, Short: true})
	}

	if url := ch.Settings["webhook_url"]; url != "" {
		return slack.PostWebhookContext(ctx, url, &slack.WebhookMessage{
			Attachments: []slack.Attachment{attachment},
		})
	}

	client := slack.New(ch.Settings["token"])
	_, _, err := client.PostMessageContext(ctx, ch.Settings["channel"],
		slack.MsgOptionAttachments(attachment))
	return err
}

func severityColor(s types.AlertSeverity) string {
	switch s {
	case types.SeverityCritical:
		return "danger"
	case types.SeverityWarning:
		return "warning"
	}
	return "#439FE0"
}
