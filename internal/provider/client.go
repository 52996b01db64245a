package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"example.com/backstage/services/possync/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maximum number of provider error body bytes carried into an Error
const errorExcerptLimit = 512

// Error is a classified provider failure carrying the HTTP status and an
// excerpt of the provider's error body. Transport failures that never got
// a response carry status 0. Callers treat it as retryable but it is never
// auto-retried here.
type Error struct {
	StatusCode int
	Excerpt    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider request failed: %s", e.Excerpt)
	}
	if e.Excerpt == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Excerpt)
}

// Client is an authenticated HTTP client to the POS provider. It is
// stateless; every call is a single GET with HTTP Basic credentials.
//
// The client deliberately carries no timeout or retry policy. A hung call
// blocks its run; staleness versus availability is still an open product
// decision.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient creates a new provider client from configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{},
	}
}

// RecentShifts lists shifts opened within the given number of days for a
// retail point.
func (c *Client) RecentShifts(ctx context.Context, retailPointID string, days int) ([]Shift, error) {
	var shifts []Shift
	path := fmt.Sprintf("/retail-point/%s/get-recent-shifts?days=%d", retailPointID, days)
	if _, err := c.get(ctx, path, &shifts); err != nil {
		return nil, err
	}
	return shifts, nil
}

// ShiftCashDocs lists the cash documents of one shift.
func (c *Client) ShiftCashDocs(ctx context.Context, retailPointID, shiftID string) ([]CashDocRef, error) {
	var docs []CashDocRef
	path := fmt.Sprintf("/retail-point/%s/shift/%s/cashdoc", retailPointID, shiftID)
	if _, err := c.get(ctx, path, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// CashDocDetail fetches the full detail of one cash document. The verbatim
// response body is returned alongside the parsed document for auditing.
func (c *Client) CashDocDetail(ctx context.Context, retailPointID, shiftID, cashDocID string) (*CashDoc, []byte, error) {
	var doc CashDoc
	path := fmt.Sprintf("/retail-point/%s/shift/%s/cashdoc/%s", retailPointID, shiftID, cashDocID)
	raw, err := c.get(ctx, path, &doc)
	if err != nil {
		return nil, nil, err
	}
	return &doc, raw, nil
}

// get issues an authenticated GET and decodes the JSON response into out.
// Any non-success status becomes an *Error. Bodies that fail JSON parsing
// are tolerated as empty rather than raised.
func (c *Client) get(ctx context.Context, path string, out interface{}) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build provider request")
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Excerpt: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorExcerptLimit))
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Excerpt:    strings.TrimSpace(string(excerpt)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Excerpt: err.Error()}
	}

	if len(body) > 0 && out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			log.Warn().
				Str("path", path).
				Err(err).
				Msg("Provider response is not valid JSON, treating as empty")
		}
	}

	return body, nil
}
