package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/models"
)

const bolnaScheduleLayout = "2006-01-02T15:04:05"

// Bolna reports costs in the ledger currency and supports direct and batch calls.
type Bolna struct {
	client   *client
	currency string
}

func NewBolna(baseURL, currency string, cfg Config, m *metrics.Metrics, logger logging.Logger) *Bolna {
	return &Bolna{client: newClient(models.ProviderBolna, baseURL, cfg, m, logger), currency: currency}
}

func (b *Bolna) Name() string     { return models.ProviderBolna }
func (b *Bolna) Currency() string { return b.currency }

type bolnaExecution struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	TotalCost     number `json:"total_cost"`
	TelephonyData *struct {
		Duration number `json:"duration"`
	} `json:"telephony_data"`
}

func (b *Bolna) FetchExecutions(ctx context.Context, creds Credentials) ([]billing.ExecutionRecord, error) {
	var items []json.RawMessage
	path := "/agent/" + url.PathEscape(creds.AgentID) + "/executions"
	if err := b.client.getJSON(ctx, path, bearer(creds.APIKey), &items); err != nil {
		return nil, err
	}
	records := make([]billing.ExecutionRecord, 0, len(items))
	for _, item := range items {
		var exec bolnaExecution
		if err := json.Unmarshal(item, &exec); err != nil {
			records = append(records, billing.ExecutionRecord{Cost: "malformed", Metadata: item})
			continue
		}
		rec := billing.ExecutionRecord{
			ID:       exec.ID,
			Status:   normalizeStatus(exec.Status),
			Cost:     string(exec.TotalCost),
			Metadata: item,
		}
		if exec.TelephonyData != nil {
			rec.DurationSeconds = string(exec.TelephonyData.Duration)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (b *Bolna) PlaceCall(ctx context.Context, creds Credentials, req CallRequest) (json.RawMessage, error) {
	return b.client.postJSON(ctx, "/call", bearer(creds.APIKey), map[string]string{
		"agent_id":               creds.AgentID,
		"recipient_phone_number": req.To,
		"from_phone_number":      req.From,
	})
}

func (b *Bolna) ScheduleBatch(ctx context.Context, creds Credentials, batchID string, at time.Time) (json.RawMessage, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("scheduled_at", at.Format(bolnaScheduleLayout)); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}
	data, err := b.client.do(ctx, request{
		method:      http.MethodPost,
		path:        "/batches/" + url.PathEscape(batchID) + "/schedule",
		auth:        bearer(creds.APIKey),
		body:        buf.Bytes(),
		contentType: form.FormDataContentType(),
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
