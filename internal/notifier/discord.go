package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// discordContentLimit is the longest content a Discord webhook accepts
const discordContentLimit = 2000

// Discord posts messages to Discord channel webhooks
type Discord struct {
	client *http.Client
}

func NewDiscord(client *http.Client) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{client: client}
}

type discordPayload struct {
	Content string `json:"content"`
}

// Send posts text to the webhook, split into several messages when it is
// longer than Discord allows
func (d *Discord) Send(ctx context.Context, webhookURL, text string) error {
	for _, chunk := range splitContent(text, discordContentLimit) {
		if err := d.post(ctx, webhookURL, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *Discord) post(ctx context.Context, webhookURL, content string) error {
	body, err := json.Marshal(discordPayload{Content: content})
	if err != nil {
		return errors.Wrap(err, "could not encode discord payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "could not create discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not reach discord webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("discord webhook answered %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// splitContent cuts text into chunks of at most limit runes, preferring line breaks
func splitContent(text string, limit int) []string {
	var (
		chunks  []string
		current []rune
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		runes := []rune(line)
		if len(current)+len(runes) > limit && len(current) > 0 {
			chunks = append(chunks, string(current))
			current = nil
		}
		for len(runes) > limit {
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}
		current = append(current, runes...)
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
