package posync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// PurchaseOrderRecord is the purchase order returned by Lookup.
//
// Every field is optional on the wire. Quantity is nil when the service did
// not send one.
type PurchaseOrderRecord struct {
	PONumber    string `json:"poNumber,omitempty"`
	PODate      string `json:"poDate,omitempty"`
	Customer    string `json:"customer,omitempty"`
	ProductCode string `json:"productCode,omitempty"`
	Job         string `json:"job,omitempty"`
	Quantity    *int   `json:"quantity,omitempty"`
	Status      string `json:"status,omitempty"`
}

// wireRecord accepts the shapes the service is known to send: strings or
// numbers for text fields, and the quantity under "qty" or "quantity" as a
// number or a numeric string.
type wireRecord struct {
	PONumber    json.RawMessage `json:"poNumber"`
	PODate      json.RawMessage `json:"poDate"`
	Customer    json.RawMessage `json:"customer"`
	ProductCode json.RawMessage `json:"productCode"`
	Job         json.RawMessage `json:"job"`
	Quantity    json.RawMessage `json:"quantity"`
	Qty         json.RawMessage `json:"qty"`
	Status      json.RawMessage `json:"status"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *PurchaseOrderRecord) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	rec := PurchaseOrderRecord{
		PONumber:    wireText(w.PONumber),
		PODate:      wireText(w.PODate),
		Customer:    wireText(w.Customer),
		ProductCode: wireText(w.ProductCode),
		Job:         wireText(w.Job),
		Status:      wireText(w.Status),
	}

	// A blank or unreadable quantity leaves the rest of the record intact.
	raw := w.Quantity
	if isBlank(raw) {
		raw = w.Qty
	}
	if !isBlank(raw) {
		q, err := wireInt(raw)
		if err != nil {
			slog.Warn("posync: ignoring unreadable quantity",
				"po_number", rec.PONumber,
				"error", err,
			)
		} else {
			rec.Quantity = &q
		}
	}

	*r = rec
	return nil
}

// ApplyQuantity records a successfully updated quantity. After an update the
// canonical Quantity field is the one to trust.
func (r *PurchaseOrderRecord) ApplyQuantity(q int) {
	r.Quantity = &q
}

// QuantityValue returns the quantity, or 0 and false when absent.
func (r *PurchaseOrderRecord) QuantityValue() (int, bool) {
	if r == nil || r.Quantity == nil {
		return 0, false
	}
	return *r.Quantity, true
}

// Empty reports whether no field carries a value.
func (r *PurchaseOrderRecord) Empty() bool {
	return r.PONumber == "" && r.PODate == "" && r.Customer == "" &&
		r.ProductCode == "" && r.Job == "" && r.Quantity == nil && r.Status == ""
}

// Ack is the service's acknowledgement of a quantity update.
type Ack struct {
	Identifier string `json:"identifier"`
	Quantity   int    `json:"quantity"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// isBlank reports null, missing or whitespace-only string values.
func isBlank(raw json.RawMessage) bool {
	if isNull(raw) {
		return true
	}
	var s string
	return json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) == ""
}

// wireText renders a JSON string or number as text. Other shapes are empty.
func wireText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// wireInt parses a JSON number or numeric string holding a whole number.
func wireInt(raw json.RawMessage) (int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("unsupported value %s", raw)
		}
		s = n.String()
	}

	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("not a whole number: %q", s)
	}
	return int(f), nil
}
