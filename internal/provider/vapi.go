package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/models"
)

// Vapi bills in USD and reports call timing rather than a duration.
type Vapi struct {
	client *client
}

func NewVapi(baseURL string, cfg Config, m *metrics.Metrics, logger logging.Logger) *Vapi {
	return &Vapi{client: newClient(models.ProviderVapi, baseURL, cfg, m, logger)}
}

func (v *Vapi) Name() string     { return models.ProviderVapi }
func (v *Vapi) Currency() string { return "USD" }

type vapiCall struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StartedAt     string `json:"startedAt"`
	EndedAt       string `json:"endedAt"`
	CostBreakdown *struct {
		Total number `json:"total"`
	} `json:"costBreakdown"`
}

func (v *Vapi) FetchExecutions(ctx context.Context, creds Credentials) ([]billing.ExecutionRecord, error) {
	var items []json.RawMessage
	path := "/call?assistantId=" + url.QueryEscape(creds.AgentID)
	if err := v.client.getJSON(ctx, path, bearer(creds.APIKey), &items); err != nil {
		return nil, err
	}
	records := make([]billing.ExecutionRecord, 0, len(items))
	for _, item := range items {
		var call vapiCall
		if err := json.Unmarshal(item, &call); err != nil {
			records = append(records, billing.ExecutionRecord{Cost: "malformed", Metadata: item})
			continue
		}
		rec := billing.ExecutionRecord{
			ID:              call.ID,
			Status:          vapiStatus(call.Status),
			DurationSeconds: vapiDuration(call.StartedAt, call.EndedAt),
			Metadata:        item,
		}
		if call.CostBreakdown != nil {
			rec.Cost = string(call.CostBreakdown.Total)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (v *Vapi) PlaceCall(ctx context.Context, creds Credentials, req CallRequest) (json.RawMessage, error) {
	return v.client.postJSON(ctx, "/call", bearer(creds.APIKey), map[string]any{
		"assistantId":   creds.AgentID,
		"phoneNumberId": req.From,
		"customer":      map[string]string{"number": req.To},
	})
}

func vapiStatus(status string) string {
	if s := normalizeStatus(status); s != "ended" {
		return s
	}
	return billing.StatusCompleted
}

// vapiDuration returns whole seconds between start and end. A call still in
// flight has no duration yet. Malformed timestamps come back verbatim and fail
// parsing downstream.
func vapiDuration(startedAt, endedAt string) string {
	if startedAt == "" || endedAt == "" {
		return ""
	}
	start, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return startedAt
	}
	end, err := time.Parse(time.RFC3339Nano, endedAt)
	if err != nil {
		return endedAt
	}
	seconds := end.Sub(start).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}
