package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	colorInfo    = 0x0099FF
	colorWarning = 0xFFA500
	colorError   = 0xFF0000
)

type webhookMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Discord posts events to a Discord webhook as embeds.
type Discord struct {
	url    string
	footer string
	http   *http.Client
}

func NewDiscord(webhookURL, footer string, client *http.Client) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{url: webhookURL, footer: footer, http: client}
}

func (d *Discord) Notify(ctx context.Context, e Event) error {
	if d.url == "" {
		return nil
	}
	body, err := json.Marshal(webhookMessage{Embeds: []embed{d.embed(e)}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("discord webhook http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (d *Discord) embed(e Event) embed {
	title := e.Title
	if e.Symbol != "" {
		title = fmt.Sprintf("%s %s", title, e.Symbol)
	}
	out := embed{
		Title:       title,
		Description: e.Message,
		Color:       colorFor(e.Level),
	}
	if !e.Time.IsZero() {
		out.Timestamp = e.Time.UTC().Format(time.RFC3339)
	}
	if d.footer != "" {
		out.Footer = &embedFooter{Text: d.footer}
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Fields = append(out.Fields, embedField{Name: k, Value: e.Fields[k], Inline: true})
	}
	return out
}

func colorFor(l Level) int {
	switch l {
	case LevelError:
		return colorError
	case LevelWarn:
		return colorWarning
	}
	return colorInfo
}
