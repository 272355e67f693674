package sqliteworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pipecore/internal/retry"
	"pipecore/internal/store"
)

// idempotentAttempts bounds retries of DELETE calls on connection failures.
const idempotentAttempts = 3

// Client talks to SQL workers. Worker URLs are passed per call because
// databases are assigned to workers dynamically.
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	backoff    *retry.Backoff
}

// NewClient creates a worker client.
func NewClient(timeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		backoff:    retry.NewBackoff(100*time.Millisecond, 2*time.Second, 2.0, 20),
	}
}

func databaseURL(workerURL, databaseID string) string {
	return strings.TrimRight(workerURL, "/") + "/databases/" + url.PathEscape(databaseID)
}

// ExecuteQuery materializes tables into databaseID on the worker and runs
// query against it.
func (c *Client) ExecuteQuery(ctx context.Context, workerURL, databaseID string, tables []store.Table, query string) ([]QueryResult, error) {
	body, err := json.Marshal(QueryRequest{Tables: tables, Query: query})
	if err != nil {
		return nil, &ClientError{Op: "encode", Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"worker":      workerURL,
		"database_id": databaseID,
		"table_count": len(tables),
	}).Debug("Executing query on sqlite worker")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, databaseURL(workerURL, databaseID), bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Op: "build", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	results, err := doEnvelope[[]QueryResult](c, req)
	if err != nil {
		return nil, err
	}
	if results == nil {
		return []QueryResult{}, nil
	}
	return *results, nil
}

// InvalidateDatabase drops databaseID from the worker.
func (c *Client) InvalidateDatabase(ctx context.Context, workerURL, databaseID string) error {
	return c.deleteWithRetry(ctx, databaseURL(workerURL, databaseID))
}

// ExpireAll drops every database held by the worker.
func (c *Client) ExpireAll(ctx context.Context, workerURL string) error {
	return c.deleteWithRetry(ctx, strings.TrimRight(workerURL, "/")+"/databases")
}

func (c *Client) deleteWithRetry(ctx context.Context, target string) error {
	var lastErr error
	for attempt := 0; attempt < idempotentAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff.NextDelay(attempt - 1)
			c.logger.WithFields(logrus.Fields{
				"target":  target,
				"attempt": attempt + 1,
				"delay":   delay.String(),
			}).Warn("Retrying sqlite worker request")
			select {
			case <-ctx.Done():
				return &ClientError{Op: "delete", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
		if err != nil {
			return &ClientError{Op: "build", Err: err}
		}
		_, err = doEnvelope[struct{}](c, req)
		if err == nil {
			return nil
		}
		lastErr = err

		var clientErr *ClientError
		if !errors.As(err, &clientErr) || clientErr.Op != "send" {
			return err
		}
	}
	return lastErr
}

func doEnvelope[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ClientError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClientError{Op: "read", Err: err}
	}

	var envelope Envelope[T]
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &ServerError{Message: strings.TrimSpace(string(data)), HTTPStatus: resp.StatusCode}
		}
		return nil, &ClientError{Op: "decode", Err: fmt.Errorf("invalid worker response: %w", err)}
	}

	if envelope.Error != nil {
		serverErr := &ServerError{Message: *envelope.Error, HTTPStatus: resp.StatusCode}
		if envelope.ErrorCode != nil {
			serverErr.Code = *envelope.ErrorCode
		}
		c.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"code":   serverErr.Code,
		}).Warn("Sqlite worker reported an error")
		return nil, serverErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{Message: "unexpected status without error", HTTPStatus: resp.StatusCode}
	}
	return envelope.Response, nil
}
