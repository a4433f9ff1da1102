// Package slack posts evacuation alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/floodgate/internal/dispatch"
	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// Block Kit text limits, counted in characters.
const (
	maxHeaderLen      = 150
	maxSectionLen     = 3000
	maxFieldLen       = 2000
	maxVerdictLineLen = 280
	maxVerdictLines   = 10
	httpTimeout       = 10 * time.Second
)

// Notifier sends approved dispatch attempts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts the alert for an approved attempt to the configured webhook.
// If no webhook URL is configured, it returns nil immediately. Attempts
// without an approving decision are refused so a wiring mistake cannot
// broadcast a blocked alert.
func (n *Notifier) Send(ctx context.Context, a *dispatch.Attempt) error {
	if a == nil || a.Decision == nil || !a.Decision.Approved() {
		return fmt.Errorf("slack: refusing to send alert without an approving decision")
	}
	if n.webhookURL == "" {
		n.logger.Warn(ctx, "slack webhook not configured, alert not posted", "attempt_id", a.ID, "location", a.Location)
		return nil
	}

	msg := buildMessage(a)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SMSText returns the broadcast text for a location in English and Tagalog.
func SMSText(location string) (english, tagalog string) {
	english = fmt.Sprintf("EVACUATION ALERT for %s: river levels have reached critical, confirmed by independent sources. "+
		"Move to higher ground or your designated evacuation center now. Follow instructions from local officials.", location)
	tagalog = fmt.Sprintf("BABALA SA PAGLIKAS para sa %s: umabot na sa kritikal na antas ang ilog, kumpirmado ng magkakahiwalay na sanggunian. "+
		"Lumikas na sa mataas na lugar o sa itinakdang evacuation center. Sundin ang mga tagubilin ng lokal na opisyal.", location)
	return english, tagalog
}

func buildMessage(a *dispatch.Attempt) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			fieldsBlock(a),
			{"type": "divider"},
			justificationBlock(a),
			verdictsBlock(a),
			{"type": "divider"},
			smsBlock(a),
			contextBlock(a),
		},
	}
}

func headerBlock(a *dispatch.Attempt) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("\U0001f6a8 Evacuation alert: %s", a.Location), maxHeaderLen), // rotating light
		},
	}
}

func fieldsBlock(a *dispatch.Attempt) map[string]any {
	d := a.Decision
	requestedBy := a.RequestedBy
	if requestedBy == "" {
		requestedBy = "-"
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Decision:* %s (%s)", d.Outcome, d.Reason),
		},
		{
			"type": "mrkdwn",
			"text": truncate(fmt.Sprintf("*Policy:* %s", d.Policy.Name), maxFieldLen),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Sources:* %d", len(d.Verdicts)),
		},
		{
			"type": "mrkdwn",
			"text": truncate(fmt.Sprintf("*Requested by:* %s", requestedBy), maxFieldLen),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func justificationBlock(a *dispatch.Attempt) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate("*Justification*\n\n"+a.Decision.Justification, maxSectionLen),
		},
	}
}

func verdictsBlock(a *dispatch.Attempt) map[string]any {
	vs := a.Decision.Verdicts
	lines := make([]string, 0, min(len(vs), maxVerdictLines)+1)
	for i, v := range vs {
		if i == maxVerdictLines {
			lines = append(lines, fmt.Sprintf("_and %d more_", len(vs)-maxVerdictLines))
			break
		}
		lines = append(lines, truncate(fmt.Sprintf("%s `%s` (%s): %s", verdictEmoji(v), v.SourceID, v.Category, v.Rationale), maxVerdictLineLen))
	}
	if len(lines) == 0 {
		lines = append(lines, "_No verdicts._")
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate("*Evidence*\n"+strings.Join(lines, "\n"), maxSectionLen),
		},
	}
}

func smsBlock(a *dispatch.Attempt) map[string]any {
	en, tl := SMSText(a.Location)
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(fmt.Sprintf("*SMS (English)*\n>%s\n*SMS (Tagalog)*\n>%s", en, tl), maxSectionLen),
		},
	}
}

func contextBlock(a *dispatch.Attempt) map[string]any {
	ts := a.Decision.DecidedAt
	if ts.IsZero() {
		ts = a.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("floodgate • attempt %s • %s • %s", a.ID, shortFingerprint(a.Decision.Fingerprint), ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func verdictEmoji(v evidence.Verdict) string {
	switch {
	case !v.HasEvidence():
		return "⚪" // white circle
	case v.Critical:
		return "\U0001f534" // red circle
	case v.Category == evidence.CategoryCitizen:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// shortFingerprint trims "sha256:" digests to twelve hex characters.
func shortFingerprint(fp string) string {
	fp = strings.TrimPrefix(fp, "sha256:")
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// truncate caps s at limit characters, ending in "..." when cut. It never
// splits a multi-byte character.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit-3 {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
