package domain

// BulkOrder is one row of a bulk placement. ParseError is set when the row
// could not be read into Request; such rows fail without reaching risk.
type BulkOrder struct {
	Row        int          `json:"row"`
	Request    OrderRequest `json:"request"`
	ParseError string       `json:"parse_error,omitempty"`
}

// BulkResult is the outcome of one bulk row.
type BulkResult struct {
	Row      int         `json:"row"`
	Symbol   string      `json:"symbol"`
	Success  bool        `json:"success"`
	LocalID  string      `json:"local_id,omitempty"`
	BrokerID string      `json:"broker_id,omitempty"`
	Status   OrderStatus `json:"status,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Reasons  []Violation `json:"reasons,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// BulkReport summarises a bulk placement. With ValidateOnly nothing was
// submitted and Success means the row passed validation and risk.
type BulkReport struct {
	Total        int          `json:"total_orders"`
	Successful   int          `json:"successful"`
	Failed       int          `json:"failed"`
	ValidateOnly bool         `json:"validate_only"`
	Results      []BulkResult `json:"results"`
}
