package provider

import (
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/models"
)

type BaseURLs struct {
	Bolna  string
	Millis string
	Vapi   string
}

// NewFeeds builds one feed per supported provider, keyed by provider name.
func NewFeeds(urls BaseURLs, ledgerCurrency string, cfg Config, m *metrics.Metrics, logger logging.Logger) map[string]Feed {
	return map[string]Feed{
		models.ProviderBolna:  NewBolna(urls.Bolna, ledgerCurrency, cfg, m, logger),
		models.ProviderMillis: NewMillis(urls.Millis, cfg, m, logger),
		models.ProviderVapi:   NewVapi(urls.Vapi, cfg, m, logger),
	}
}
