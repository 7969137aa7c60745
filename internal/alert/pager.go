// Package alert pages clinicians about positive AKI predictions through the
// hospital's HTTP pager endpoint.
package alert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Pager struct {
	url        string
	client     *http.Client
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewPager(url string, retries int, timeout, retryDelay time.Duration, logger *zap.Logger) *Pager {
	return &Pager{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// SendAlert POSTs "<mrn>,<timestamp>" to the pager and blocks until a 2xx
// response or the attempt budget runs out. A failed status sleeps one retry
// delay before the next attempt; a transport error retries immediately.
// The call intentionally blocks the listener: paging must not race with
// subsequent test results for the same patient.
func (p *Pager) SendAlert(ctx context.Context, mrn, timestamp string) error {
	body := mrn + "," + timestamp
	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		resp, err := p.post(ctx, body)
		if err != nil {
			lastErr = err
			p.logger.Warn("pager request failed",
				zap.String("mrn", mrn),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return fmt.Errorf("alert: paging %s: %w", mrn, ctx.Err())
			}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 300 {
			return nil
		}
		lastErr = fmt.Errorf("alert: pager returned status %d", resp.StatusCode)
		p.logger.Warn("pager rejected alert",
			zap.String("mrn", mrn),
			zap.Int("attempt", attempt),
			zap.Int("status", resp.StatusCode),
		)
		if err := sleep(ctx, p.retryDelay); err != nil {
			return fmt.Errorf("alert: paging %s: %w", mrn, err)
		}
	}

	return fmt.Errorf("alert: paging %s failed after %d attempts: %w", mrn, p.retries, lastErr)
}

func (p *Pager) post(ctx context.Context, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	// Drain so the connection can be reused across retries.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
