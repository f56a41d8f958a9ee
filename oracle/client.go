package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/dnpguard/bus"
)

// Client performs the engine side of the message contract.
//
// Membership checks fail open: any transport or handler error is treated as
// "not blocked", because hiding content or breaking playback on a flaky
// collaborator is worse than missing a suppression. Errors are logged for
// diagnostics only.
type Client struct {
	router   *bus.Router
	platform string
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRateLimit caps outbound membership checks. Mutation storms can produce
// hundreds of candidates per second; the limiter spaces the resulting
// collaborator traffic without dropping queries.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewClient creates a Client bound to one platform.
func NewClient(router *bus.Router, platformID string, opts ...ClientOption) *Client {
	c := &Client{
		router:   router,
		platform: platformID,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsBlocked answers the membership question for an artist. Fail-open.
func (c *Client) IsBlocked(ctx context.Context, artist ArtistInfo) bool {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	artist.Platform = c.platform
	payload, err := json.Marshal(CheckRequest{Artist: artist})
	if err != nil {
		return false
	}

	resp, err := c.router.Call(ctx, SvcCheckArtistBlocked, payload)
	if err != nil {
		c.logger.Debug("oracle: check failed, failing open",
			"artist", artist.Name, "error", err)
		return false
	}

	var out CheckResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		c.logger.Debug("oracle: bad check response, failing open", "error", err)
		return false
	}
	return out.Blocked
}

// AddToDNP asks the collaborator to add an artist to the blocklist.
func (c *Client) AddToDNP(ctx context.Context, artist ArtistInfo) (bool, error) {
	return c.change(ctx, SvcAddToDNP, artist)
}

// RemoveFromDNP asks the collaborator to remove an artist from the blocklist.
func (c *Client) RemoveFromDNP(ctx context.Context, artist ArtistInfo) (bool, error) {
	return c.change(ctx, SvcRemoveFromDNP, artist)
}

func (c *Client) change(ctx context.Context, service string, artist ArtistInfo) (bool, error) {
	artist.Platform = c.platform
	payload, err := json.Marshal(ChangeRequest{Artist: artist})
	if err != nil {
		return false, err
	}
	resp, err := c.router.Call(ctx, service, payload)
	if err != nil {
		return false, err
	}
	var out ChangeResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// LogAction emits a fire-and-forget audit record. Never returns an error;
// a failing audit sink must not disturb the pipeline.
func (c *Client) LogAction(ctx context.Context, actionType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = nil
	}
	payload, err := json.Marshal(LogRequest{Action: Action{
		Type:      actionType,
		Platform:  c.platform,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}})
	if err != nil {
		return
	}
	c.router.Notify(ctx, SvcLogAction, payload)
}

// Import sends an export document for bulk reconciliation.
func (c *Client) Import(ctx context.Context, doc *ExportDocument) (bool, error) {
	var req ImportRequest
	req.Data.Artists = doc.Artists
	req.Data.Tracks = doc.Tracks
	payload, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	resp, err := c.router.Call(ctx, ImportService(c.platform), payload)
	if err != nil {
		return false, err
	}
	var out ChangeResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}
