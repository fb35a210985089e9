package provider

import (
	"context"
	"encoding/json"
	"net/url"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/models"

	"github.com/shopspring/decimal"
)

// Millis bills in USD credits split across speech-to-text, LLM and platform usage.
type Millis struct {
	client *client
}

func NewMillis(baseURL string, cfg Config, m *metrics.Metrics, logger logging.Logger) *Millis {
	return &Millis{client: newClient(models.ProviderMillis, baseURL, cfg, m, logger)}
}

func (m *Millis) Name() string     { return models.ProviderMillis }
func (m *Millis) Currency() string { return "USD" }

var millisBilledParts = map[string]bool{"stt": true, "llm": true, "millis": true}

type millisHistory struct {
	Items []json.RawMessage `json:"items"`
}

type millisCall struct {
	SessionID     string `json:"session_id"`
	CallStatus    string `json:"call_status"`
	Duration      number `json:"duration"`
	CostBreakdown []struct {
		Type   string `json:"type"`
		Credit number `json:"credit"`
	} `json:"cost_breakdown"`
}

func (m *Millis) FetchExecutions(ctx context.Context, creds Credentials) ([]billing.ExecutionRecord, error) {
	var history millisHistory
	path := "/agents/" + url.PathEscape(creds.AgentID) + "/call-histories"
	if err := m.client.getJSON(ctx, path, creds.APIKey, &history); err != nil {
		return nil, err
	}
	records := make([]billing.ExecutionRecord, 0, len(history.Items))
	for _, item := range history.Items {
		var call millisCall
		if err := json.Unmarshal(item, &call); err != nil {
			records = append(records, billing.ExecutionRecord{Cost: "malformed", Metadata: item})
			continue
		}
		records = append(records, billing.ExecutionRecord{
			ID:              call.SessionID,
			Status:          millisStatus(call.CallStatus),
			DurationSeconds: string(call.Duration),
			Cost:            millisCost(call),
			Metadata:        item,
		})
	}
	return records, nil
}

// millisCost sums the billed credit lines. An unparseable credit is passed
// through as-is so the record is reported as invalid.
func millisCost(call millisCall) string {
	total := decimal.Zero
	for _, part := range call.CostBreakdown {
		if !millisBilledParts[part.Type] || part.Credit == "" {
			continue
		}
		credit, err := decimal.NewFromString(string(part.Credit))
		if err != nil {
			return string(part.Credit)
		}
		total = total.Add(credit)
	}
	return total.String()
}

func millisStatus(status string) string {
	switch s := normalizeStatus(status); s {
	case "user-ended", "agent-ended":
		return billing.StatusCompleted
	default:
		return s
	}
}
