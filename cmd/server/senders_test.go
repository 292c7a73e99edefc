package main

import (
	"slices"
	"sort"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	wc "github.com/linnemanlabs/warden/internal/cfg"
)

func TestBuildSenders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  wc.Config
		want []string
	}{
		{"none", wc.Config{}, []string{}},
		{"slack only", wc.Config{SlackWebhookURL: "https://hooks.slack.com/x"}, []string{"slack"}},
		{"all", wc.Config{
			SlackWebhookURL: "https://hooks.slack.com/x",
			SMTPAddr:        "smtp.example.com:25",
			SMTPFrom:        "warden@example.com",
			WebhookURL:      "https://hooks.example.com/warden",
			WebhookToken:    "tok",
		}, []string{"email", "slack", "webhook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			senders := buildSenders(&tt.cfg, log.Nop())
			got := make([]string, 0, len(senders))
			for name := range senders {
				got = append(got, name)
			}
			sort.Strings(got)
			if !slices.Equal(got, tt.want) {
				t.Errorf("channels = %v, want %v", got, tt.want)
			}
		})
	}
}
