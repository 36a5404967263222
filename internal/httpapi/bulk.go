package httpapi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
)

// maxBulkOrders caps the rows of one bulk request.
const maxBulkOrders = 500

// BulkRequest is the JSON body of POST /api/orders/bulk.
type BulkRequest struct {
	Orders       []domain.OrderRequest `json:"orders"`
	ValidateOnly bool                  `json:"validate_only"`
}

// csvColumns maps accepted header names to bulk fields.
var csvColumns = map[string]string{
	"symbol":        "symbol",
	"side":          "side",
	"action":        "side",
	"type":          "type",
	"order_type":    "type",
	"qty":           "qty",
	"quantity":      "qty",
	"limit_price":   "limit_price",
	"stop_price":    "stop_price",
	"trail_price":   "trail_price",
	"trail_percent": "trail_percent",
	"time_in_force": "time_in_force",
	"tif":           "time_in_force",
}

// orderTypeAliases accepts the short codes broker order tickets use.
var orderTypeAliases = map[string]domain.OrderType{
	"mkt":     domain.OrderTypeMarket,
	"lmt":     domain.OrderTypeLimit,
	"stp":     domain.OrderTypeStop,
	"stp lmt": domain.OrderTypeStopLimit,
	"trail":   domain.OrderTypeTrailingStop,
}

// readBulk decodes a bulk request body: JSON, or CSV with a header row when
// the content type is text/csv. For CSV, validate_only comes from the query.
func readBulk(w http.ResponseWriter, r *http.Request) ([]domain.BulkOrder, bool, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "text/csv" {
		var req BulkRequest
		if err := decodeBody(w, r, &req); err != nil {
			return nil, false, err
		}
		if len(req.Orders) > maxBulkOrders {
			return nil, false, fmt.Errorf("%d orders exceed the limit of %d", len(req.Orders), maxBulkOrders)
		}
		rows := make([]domain.BulkOrder, len(req.Orders))
		for i, o := range req.Orders {
			rows[i] = domain.BulkOrder{Row: i + 1, Request: o}
		}
		return rows, req.ValidateOnly, nil
	}

	validateOnly, _ := strconv.ParseBool(r.URL.Query().Get("validate_only"))
	rows, err := parseBulkCSV(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, false, err
	}
	return rows, validateOnly, nil
}

// parseBulkCSV reads orders from CSV. A row that cannot be parsed is kept
// with its ParseError so it is reported rather than aborting the batch.
func parseBulkCSV(body io.Reader) ([]domain.BulkOrder, error) {
	r := csv.NewReader(body)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		name, ok := csvColumns[strings.ToLower(strings.TrimSpace(h))]
		if !ok {
			return nil, fmt.Errorf("csv: unknown column %q", h)
		}
		cols[i] = name
	}

	var rows []domain.BulkOrder
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", line, err)
		}
		if len(rows) == maxBulkOrders {
			return nil, fmt.Errorf("csv exceeds the limit of %d orders", maxBulkOrders)
		}
		row := domain.BulkOrder{Row: line}
		row.Request, err = csvOrder(cols, rec)
		if err != nil {
			row.ParseError = err.Error()
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func csvOrder(cols, rec []string) (domain.OrderRequest, error) {
	var req domain.OrderRequest
	if len(rec) > len(cols) {
		return req, fmt.Errorf("%d fields for %d columns", len(rec), len(cols))
	}
	for i, raw := range rec {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		var err error
		switch cols[i] {
		case "symbol":
			req.Symbol = strings.ToUpper(v)
		case "side":
			req.Side = domain.OrderSide(strings.ToLower(v))
		case "type":
			t := strings.ToLower(v)
			if alias, ok := orderTypeAliases[t]; ok {
				req.Type = alias
			} else {
				req.Type = domain.OrderType(t)
			}
		case "qty":
			req.Qty, err = strconv.ParseInt(v, 10, 64)
		case "limit_price":
			req.LimitPrice, err = decimal.NewFromString(v)
		case "stop_price":
			req.StopPrice, err = decimal.NewFromString(v)
		case "trail_price":
			req.TrailPrice, err = decimal.NewFromString(v)
		case "trail_percent":
			req.TrailPercent, err = decimal.NewFromString(v)
		case "time_in_force":
			req.TimeInForce = domain.TimeInForce(strings.ToLower(v))
		}
		if err != nil {
			return req, fmt.Errorf("%s %q: %w", cols[i], v, err)
		}
	}
	return req, nil
}

// handleBulkOrders serves POST /api/orders/bulk.
func (s *Server) handleBulkOrders(w http.ResponseWriter, r *http.Request) {
	rows, validateOnly, err := readBulk(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "no orders")
		return
	}
	writeJSON(w, s.core.PlaceBulk(r.Context(), rows, validateOnly))
}
