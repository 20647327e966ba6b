package notifs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/bluesky-social/warden/util"
)

// SlackSender posts operator notifications to a Slack "incoming webhook".
type SlackSender struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		WebhookURL: webhookURL,
		Client:     util.RobustHTTPClient(),
	}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (s *SlackSender) Send(ctx context.Context, n *Notification) error {
	return s.sendSlackMsg(ctx, slackBody(n))
}

func slackBody(n *Notification) string {
	msg := fmt.Sprintf("⚠️ Moderation: `%s` ⚠️\n", n.Kind)
	msg += fmt.Sprintf("Account: `%d`\n", n.TargetID)
	payload := Redact(n.Payload)
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg += fmt.Sprintf("%s: `%v`\n", k, payload[k])
	}
	return msg
}

// The slack incoming webhook must be already configured in the slack workplace.
func (s *SlackSender) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook failed: %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
