package engine

import (
	"context"
	"errors"
	"strings"

	"brokergate/internal/domain"
)

// PlaceBulk places rows one after another through the normal order path and
// reports each outcome. A failing row never stops the rest. With
// validateOnly the rows are only validated and risk-assessed.
func (e *Engine) PlaceBulk(ctx context.Context, rows []domain.BulkOrder, validateOnly bool) domain.BulkReport {
	rep := domain.BulkReport{
		Total:        len(rows),
		ValidateOnly: validateOnly,
		Results:      make([]domain.BulkResult, 0, len(rows)),
	}
	for _, row := range rows {
		res := e.bulkRow(ctx, row, validateOnly)
		if res.Success {
			rep.Successful++
		} else {
			rep.Failed++
		}
		rep.Results = append(rep.Results, res)
	}
	e.log.Info("bulk orders processed", "total", rep.Total, "successful", rep.Successful,
		"failed", rep.Failed, "validate_only", validateOnly)
	return rep
}

func (e *Engine) bulkRow(ctx context.Context, row domain.BulkOrder, validateOnly bool) domain.BulkResult {
	res := domain.BulkResult{Row: row.Row, Symbol: strings.ToUpper(strings.TrimSpace(row.Request.Symbol))}
	if row.ParseError != "" {
		res.Error = row.ParseError
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}

	if validateOnly {
		d, err := e.Preview(ctx, row.Request)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Success, res.Reasons, res.Warnings = d.Approved, d.Reasons, d.Warnings
		if err := d.Err(); err != nil {
			res.Error = err.Error()
		}
		return res
	}

	acc, err := e.PlaceOrder(ctx, row.Request)
	if err != nil {
		res.Error = err.Error()
		var (
			rej *domain.RiskRejection
			sub *domain.SubmissionError
		)
		if errors.As(err, &rej) {
			res.Reasons = rej.Reasons
		}
		if errors.As(err, &sub) {
			res.LocalID = sub.LocalID
		}
		return res
	}
	res.Success = true
	res.LocalID, res.BrokerID, res.Status, res.Warnings = acc.LocalID, acc.BrokerID, acc.Status, acc.Warnings
	return res
}
