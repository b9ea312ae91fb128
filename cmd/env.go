package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/avtopark/finewatch/internal/fetcher"
	"github.com/avtopark/finewatch/internal/notify"
	"github.com/avtopark/finewatch/internal/poller"
	"github.com/avtopark/finewatch/internal/store"
)

// initStore opens the configured backend and applies migrations.
// Callers should defer st.Close().
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initRunner wires the lookup client and notification transports into a
// reconciliation runner over the given store.
func initRunner(st store.Store) *poller.Runner {
	client := fetcher.NewHTTPClient(fetcher.Options{
		BaseURL:    cfg.API.BaseURL,
		UserAgent:  cfg.API.UserAgent,
		Timeout:    cfg.API.Timeout(),
		MaxRetries: cfg.API.MaxRetries,
		RatePerSec: cfg.API.RatePerSec,
	})
	notifier := notify.FromConfig(cfg.SMTP, cfg.Notify)
	return poller.NewRunner(st, client, notifier, cfg.Poll, cfg.API.Timeout())
}
