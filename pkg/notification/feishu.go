package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"robofleet/pkg/deployment"
	"robofleet/pkg/logger"
)

// FeishuNotifier posts deployment alerts to a Feishu (Lark) bot webhook.
// It is a deployment.EventSink; only operator-relevant events are sent.
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a notifier, an empty url disables it
func NewFeishuNotifier(webhookURL string) *FeishuNotifier {
	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured, deployment notifications will be disabled")
	}
	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a webhook is configured
func (f *FeishuNotifier) Enabled() bool {
	return f.webhookURL != ""
}

// Publish implements deployment.EventSink
func (f *FeishuNotifier) Publish(ctx context.Context, e deployment.Event) error {
	if f.webhookURL == "" {
		return nil
	}
	template, title, ok := cardStyle(e.Type)
	if !ok {
		return nil
	}

	payload, err := json.Marshal(f.buildDeploymentMessage(e, template, title))
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu notification sent for deployment %s (%s)", e.DeploymentID, e.Type)
	return nil
}

// cardStyle header color and title per notified event type
func cardStyle(t deployment.EventType) (string, string, bool) {
	switch t {
	case deployment.EventRollbackStarted:
		return "red", "Deployment Rolling Back", true
	case deployment.EventFailed:
		return "red", "Deployment Failed", true
	case deployment.EventCompleted:
		return "green", "Deployment Completed", true
	case deployment.EventCancelled:
		return "grey", "Deployment Cancelled", true
	case deployment.EventPromoted:
		return "blue", "Deployment Promoted", true
	}
	return "", "", false
}

func (f *FeishuNotifier) buildDeploymentMessage(e deployment.Event, template, title string) map[string]interface{} {
	fields := []interface{}{
		shortField("Deployment", e.DeploymentID),
		shortField("Status", string(e.Status)),
		shortField("Stage", fmt.Sprintf("%d", e.Stage+1)),
		shortField("Time", e.Timestamp.Format("2006-01-02 15:04:05")),
	}

	elements := []interface{}{
		map[string]interface{}{
			"tag":    "div",
			"fields": fields,
		},
	}
	if e.Reason != "" {
		elements = append(elements, map[string]interface{}{"tag": "hr"}, markdown(fmt.Sprintf("**Reason**\n%s", e.Reason)))
	}
	if len(e.Breaches) > 0 {
		lines := make([]string, 0, len(e.Breaches))
		for _, b := range e.Breaches {
			lines = append(lines, "- "+b.String())
		}
		elements = append(elements, markdown("**Threshold breaches**\n"+strings.Join(lines, "\n")))
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": template,
				"title": map[string]interface{}{
					"content": title,
					"tag":     "plain_text",
				},
			},
			"elements": elements,
		},
	}
}

func shortField(label, value string) map[string]interface{} {
	return map[string]interface{}{
		"is_short": true,
		"text": map[string]interface{}{
			"content": fmt.Sprintf("**%s**\n%s", label, value),
			"tag":     "lark_md",
		},
	}
}

func markdown(content string) map[string]interface{} {
	return map[string]interface{}{
		"tag": "div",
		"text": map[string]interface{}{
			"content": content,
			"tag":     "lark_md",
		},
	}
}
