// Package pricing resolves the per-seat price of an event from the event
// service.  Prices are integer cents.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Pricer returns the unit price of one seat for an event, in cents.
type Pricer interface {
	PriceForEvent(ctx context.Context, eventID int64) (int64, error)
}

// ErrUnavailable wraps every failure to obtain a usable price.
var ErrUnavailable = errors.New("pricing unavailable")

// HTTPClient calls GET {baseURL}/internal/events/{id}/pricing, which
// answers {"price": 49.99}.  The price may be a JSON number or a decimal
// string.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient returns a client whose every request is bounded by timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type pricingResponse struct {
	Price json.RawMessage `json:"price"`
}

func (c *HTTPClient) PriceForEvent(ctx context.Context, eventID int64) (int64, error) {
	url := fmt.Sprintf("%s/internal/events/%d/pricing", c.baseURL, eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: event %d: status %d", ErrUnavailable, eventID, resp.StatusCode)
	}
	var body pricingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}
	raw := bytes.Trim(bytes.TrimSpace(body.Price), `"`)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: event %d: no price", ErrUnavailable, eventID)
	}
	cents, err := ParseCents(string(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return cents, nil
}

// ParseCents converts a non-negative decimal amount such as "49.99" or "12"
// into cents.  Digits beyond the second decimal place are rounded half up.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid price %q", s)
		}
	}
	roundUp := len(frac) > 2 && frac[2] >= '5'
	frac = (frac + "00")[:2]
	cents, _ := strconv.ParseInt(frac, 10, 64)
	total := units*100 + cents
	if roundUp {
		total++
	}
	return total, nil
}
