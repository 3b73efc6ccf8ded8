package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalswap/backend/internal/core"
)

// Render produces the wire payload for one event on one channel kind.
func Render(kind core.WebhookKind, event core.Event) ([]byte, error) {
	switch kind {
	case core.WebhookHTTP:
		return json.Marshal(event)
	case core.WebhookSlack:
		return renderSlack(event)
	case core.WebhookDiscord:
		return renderDiscord(event)
	case core.WebhookEmail:
		return renderEmail(event)
	default:
		return nil, fmt.Errorf("unknown webhook kind %q", kind)
	}
}

func headline(event core.Event) string {
	d := event.Data
	switch event.Kind {
	case core.EventRuleTriggered:
		return fmt.Sprintf("Rule %q triggered on market %s", d.RuleName, d.MarketID)
	case core.EventExecutionStarted:
		return fmt.Sprintf("Executing swap for rule %q", d.RuleName)
	case core.EventExecutionSucceeded:
		return fmt.Sprintf("Swap executed for rule %q", d.RuleName)
	case core.EventExecutionFailed:
		return fmt.Sprintf("Swap failed for rule %q", d.RuleName)
	case core.EventRulePaused:
		return fmt.Sprintf("Rule %q parked after repeated failures", d.RuleName)
	case core.EventWalletLowBalance:
		return fmt.Sprintf("Wallet for rule %q is low on funds", d.RuleName)
	default:
		return fmt.Sprintf("%s for rule %q", event.Kind, d.RuleName)
	}
}

func detailLines(event core.Event) []string {
	d := event.Data
	var lines []string
	if d.Probability != nil && d.Threshold != nil {
		lines = append(lines, fmt.Sprintf("Probability %.4f vs threshold %.4f", *d.Probability, *d.Threshold))
	}
	if d.TxSignature != "" {
		lines = append(lines, "Transaction: "+d.TxSignature)
	}
	if d.Error != "" {
		lines = append(lines, "Error: "+d.Error)
	}
	return lines
}

// renderSlack produces a Block Kit message.
func renderSlack(event core.Event) ([]byte, error) {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": headline(event), "emoji": true},
		},
	}
	if lines := detailLines(event); len(lines) > 0 {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
		})
	}
	blocks = append(blocks, map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("rule `%s` · %s",
				event.Data.RuleID, event.Timestamp.Format("2006-01-02 15:04:05 UTC"))},
		},
	})
	return json.Marshal(map[string]any{"text": headline(event), "blocks": blocks})
}

// discordColor maps event kinds to embed sidebar colors.
func discordColor(kind core.EventKind) int {
	switch kind {
	case core.EventExecutionSucceeded:
		return 0x2ecc71 // green
	case core.EventExecutionFailed, core.EventRulePaused:
		return 0xe74c3c // red
	case core.EventWalletLowBalance:
		return 0xf1c40f // yellow
	default:
		return 0x3498db // blue
	}
}

// renderDiscord produces an embed payload.
func renderDiscord(event core.Event) ([]byte, error) {
	fields := []map[string]any{
		{"name": "Rule", "value": event.Data.RuleName, "inline": true},
	}
	if event.Data.MarketID != "" {
		fields = append(fields, map[string]any{"name": "Market", "value": event.Data.MarketID, "inline": true})
	}
	for _, line := range detailLines(event) {
		name, value, _ := strings.Cut(line, ": ")
		if value == "" {
			name, value = "Detail", line
		}
		fields = append(fields, map[string]any{"name": name, "value": value})
	}

	return json.Marshal(map[string]any{
		"embeds": []map[string]any{{
			"title":     headline(event),
			"color":     discordColor(event.Kind),
			"fields":    fields,
			"timestamp": event.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		}},
	})
}

// renderEmail produces the JSON body posted to the mail bridge, which owns
// templating and SMTP.
func renderEmail(event core.Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"subject": headline(event),
		"body":    strings.Join(append([]string{headline(event)}, detailLines(event)...), "\n"),
		"event":   event,
	})
}
