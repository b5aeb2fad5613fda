package indexing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	indexingapi "google.golang.org/api/indexing/v3"
	"google.golang.org/api/option"

	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

const (
	// DefaultEndpoint is the Indexing API base URL.
	DefaultEndpoint = "https://indexing.googleapis.com/"
	// Scope is the OAuth scope the service account needs.
	Scope = indexingapi.IndexingScope
	// URLUpdated is the notification type sent for every URL.
	URLUpdated = "URL_UPDATED"
)

// Config controls the client.
type Config struct {
	Endpoint         string
	NotificationType string
	// Transport is the base round tripper beneath the auth layer. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client notifies the Indexing API about updated URLs.
type Client struct {
	service          *indexingapi.Service
	tokens           *TokenCache
	notificationType string
}

// New builds a client.
func New(ctx context.Context, cfg Config, tokens *TokenCache) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token cache is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	notificationType := cfg.NotificationType
	if notificationType == "" {
		notificationType = URLUpdated
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: &oauth2.Transport{Source: tokens, Base: base}}
	svc, err := indexingapi.NewService(ctx, option.WithHTTPClient(httpClient), option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create indexing service: %w", err)
	}
	return &Client{
		service:          svc,
		tokens:           tokens,
		notificationType: notificationType,
	}, nil
}

// Notify publishes one notification for url. Callers throttle beforehand.
func (c *Client) Notify(ctx context.Context, url string) error {
	_, err := c.service.UrlNotifications.
		Publish(&indexingapi.UrlNotification{Url: url, Type: c.notificationType}).
		Context(ctx).
		Do()
	classified := c.classify(err)
	metrics.ObserveNotification(url, outcome(classified))
	return classified
}

func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		// Network failures, timeouts and token fetch errors.
		return &Error{Message: err.Error(), Err: err}
	}
	out := &Error{StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	if out.Message == "" {
		out.Message = http.StatusText(apiErr.Code)
	}
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		c.tokens.Invalidate()
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
	default:
		out.Permanent = true
	}
	return out
}

func outcome(err error) string {
	var e *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &e) && e.Permanent:
		return "permanent"
	default:
		return "transient"
	}
}
