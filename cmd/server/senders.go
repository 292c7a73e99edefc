package main

import (
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/notify/email"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/notify/webhook"
)

// buildSenders returns one sender per configured channel. Channels left
// unconfigured are absent, so the dispatcher fails them and falls back.
func buildSenders(c *wc.Config, L log.Logger) map[string]alerting.Sender {
	senders := make(map[string]alerting.Sender)
	if c.SlackWebhookURL != "" {
		senders[slack.ChannelName] = slack.New(c.SlackWebhookURL, L)
	}
	if c.SMTPAddr != "" {
		senders[email.ChannelName] = email.New(email.Config{
			Addr:      c.SMTPAddr,
			From:      c.SMTPFrom,
			Username:  c.SMTPUsername,
			Password:  c.SMTPPassword,
			DefaultTo: c.EmailRecipients(),
		}, L)
	}
	if c.WebhookURL != "" {
		var headers map[string]string
		if c.WebhookToken != "" {
			headers = map[string]string{"Authorization": "Bearer " + c.WebhookToken}
		}
		senders[webhook.ChannelName] = webhook.New(c.WebhookURL, headers, L)
	}
	return senders
}
