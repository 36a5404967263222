// Package brokergate is a Go client for the brokergate HTTP API.
package brokergate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brokergate/internal/domain"
	"brokergate/internal/httpapi"
	"brokergate/internal/risk"
)

// Wire types shared with the server.
type (
	OrderRequest   = domain.OrderRequest
	OrderAccepted  = domain.OrderAccepted
	Order          = domain.Order
	OrderStatus    = domain.OrderStatus
	Position       = domain.Position
	Session        = domain.Session
	BreakerState   = domain.BreakerState
	Violation      = domain.Violation
	LifecycleEvent = domain.LifecycleEvent
	AccountInfo    = domain.AccountInfo
	Decision       = risk.Decision
	Health         = httpapi.HealthResponse

	BracketRequest     = domain.BracketRequest
	OCORequest         = domain.OCORequest
	OrderGroup         = domain.OrderGroup
	ConditionalRequest = domain.ConditionalRequest
	ConditionalOrder   = domain.ConditionalOrder
	ConditionalStatus  = domain.ConditionalStatus
	BulkReport         = domain.BulkReport
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	LocalID    string
	Reasons    []Violation
	Breaker    *BreakerState
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("brokergate: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("brokergate: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsRiskRejection reports whether err is a pre-trade risk rejection.
func IsRiskRejection(err error) bool { return hasCode(err, httpapi.CodeRiskRejected) }

// IsCircuitOpen reports whether err was caused by an open circuit breaker.
func IsCircuitOpen(err error) bool { return hasCode(err, httpapi.CodeCircuitOpen) }

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnknownOutcome reports whether the server could not tell if the broker
// received the order. The order settles on the next reconcile.
func IsUnknownOutcome(err error) bool { return hasCode(err, httpapi.CodeUnknownOutcome) }

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client provides a Go SDK for interacting with the brokergate API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new brokergate API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAccepted, error) {
	var out OrderAccepted
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PreviewOrder runs the pre-trade checks without placing anything.
func (c *Client) PreviewOrder(ctx context.Context, req OrderRequest) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/api/orders/preview", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder requests cancellation of the order with the given local or
// broker ID.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(id), nil, nil)
}

// GetOrder retrieves an order by local or broker ID.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrders retrieves orders in any of statuses, or all orders.
func (c *Client) ListOrders(ctx context.Context, statuses ...OrderStatus) ([]Order, error) {
	path := "/api/orders"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	return c.orders(ctx, path)
}

// OpenOrders retrieves every non-terminal order.
func (c *Client) OpenOrders(ctx context.Context) ([]Order, error) {
	return c.orders(ctx, "/api/orders?status=open")
}

func (c *Client) orders(ctx context.Context, path string) ([]Order, error) {
	var out httpapi.OrdersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// OrderHistory retrieves the journaled lifecycle of an order.
func (c *Client) OrderHistory(ctx context.Context, id string) ([]LifecycleEvent, error) {
	var out httpapi.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// GetPositions retrieves current positions sorted by symbol.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out httpapi.PositionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// GetPosition retrieves the position in symbol. A symbol with no position
// yields an error for which IsNotFound holds.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var out Position
	if err := c.do(ctx, http.MethodGet, "/api/positions/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccount retrieves the broker account.
func (c *Client) GetAccount(ctx context.Context) (*AccountInfo, error) {
	var out AccountInfo
	if err := c.do(ctx, http.MethodGet, "/api/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Bulk, grouped and conditional orders
// ---------------------------------------------------------------------------

// PlaceBulk places orders one by one and reports each outcome. With
// validateOnly nothing is submitted.
func (c *Client) PlaceBulk(ctx context.Context, orders []OrderRequest, validateOnly bool) (*BulkReport, error) {
	var out BulkReport
	in := httpapi.BulkRequest{Orders: orders, ValidateOnly: validateOnly}
	if err := c.do(ctx, http.MethodPost, "/api/orders/bulk", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceBulkCSV is PlaceBulk for a CSV sheet with a header row.
func (c *Client) PlaceBulkCSV(ctx context.Context, sheet io.Reader, validateOnly bool) (*BulkReport, error) {
	var out BulkReport
	path := "/api/orders/bulk?validate_only=" + strconv.FormatBool(validateOnly)
	if err := c.send(ctx, http.MethodPost, path, "text/csv", sheet, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceBracket places an entry whose exits go out once it fills.
func (c *Client) PlaceBracket(ctx context.Context, req BracketRequest) (*OrderGroup, error) {
	var out OrderGroup
	if err := c.do(ctx, http.MethodPost, "/api/orders/bracket", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceOCO places two one-cancels-other orders.
func (c *Client) PlaceOCO(ctx context.Context, req OCORequest) (*OrderGroup, error) {
	var out OrderGroup
	if err := c.do(ctx, http.MethodPost, "/api/orders/oco", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGroup retrieves an order group.
func (c *Client) GetGroup(ctx context.Context, id string) (*OrderGroup, error) {
	var out OrderGroup
	if err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListGroups retrieves every order group.
func (c *Client) ListGroups(ctx context.Context) ([]OrderGroup, error) {
	var out httpapi.GroupsResponse
	if err := c.do(ctx, http.MethodGet, "/api/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// CancelGroup cancels every working order of a group.
func (c *Client) CancelGroup(ctx context.Context, id string) (*OrderGroup, error) {
	var out OrderGroup
	if err := c.do(ctx, http.MethodDelete, "/api/groups/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConditional registers an order placed once a price condition holds.
func (c *Client) CreateConditional(ctx context.Context, req ConditionalRequest) (*ConditionalOrder, error) {
	var out ConditionalOrder
	if err := c.do(ctx, http.MethodPost, "/api/conditionals", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConditionals retrieves conditional orders in any of statuses, or all.
func (c *Client) ListConditionals(ctx context.Context, statuses ...ConditionalStatus) ([]ConditionalOrder, error) {
	path := "/api/conditionals"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var out httpapi.ConditionalsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conditionals, nil
}

// CancelConditional withdraws an active conditional order.
func (c *Client) CancelConditional(ctx context.Context, id string) (*ConditionalOrder, error) {
	var out ConditionalOrder
	if err := c.do(ctx, http.MethodDelete, "/api/conditionals/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckConditionals runs one evaluation pass and returns what it triggered.
func (c *Client) CheckConditionals(ctx context.Context) ([]ConditionalOrder, error) {
	var out httpapi.ConditionalsResponse
	if err := c.do(ctx, http.MethodPost, "/api/conditionals/check", nil, &out); err != nil {
		return nil, err
	}
	return out.Conditionals, nil
}

// GetSession retrieves the broker session state.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/api/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBreaker retrieves the circuit breaker state.
func (c *Client) GetBreaker(ctx context.Context) (*BreakerState, error) {
	var out BreakerState
	if err := c.do(ctx, http.MethodGet, "/api/breaker", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetBreaker clears a tripped circuit breaker on behalf of operator.
func (c *Client) ResetBreaker(ctx context.Context, operator string) (*BreakerState, error) {
	var out BreakerState
	if err := c.do(ctx, http.MethodPost, "/api/breaker/reset", httpapi.BreakerResetRequest{Operator: operator}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe starts market data for symbol and returns the active
// subscriptions.
func (c *Client) Subscribe(ctx context.Context, symbol string) ([]string, error) {
	return c.subscription(ctx, http.MethodPut, symbol)
}

// Unsubscribe stops market data for symbol.
func (c *Client) Unsubscribe(ctx context.Context, symbol string) ([]string, error) {
	return c.subscription(ctx, http.MethodDelete, symbol)
}

func (c *Client) subscription(ctx context.Context, method, symbol string) ([]string, error) {
	var out httpapi.SubscriptionResponse
	if err := c.do(ctx, method, "/api/marketdata/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// Health checks liveness. A degraded server returns an *APIError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics retrieves the server's counters.
func (c *Client) Metrics(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	if err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.send(ctx, method, path, "", nil, out)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", method, path, err)
	}
	return c.send(ctx, method, path, "application/json", bytes.NewReader(b), out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body httpapi.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}
	apiErr.Code = body.Code
	apiErr.Message = body.Error
	apiErr.LocalID = body.LocalID
	apiErr.Reasons = body.Reasons
	apiErr.Breaker = body.Breaker
	return apiErr
}
