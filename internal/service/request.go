package service

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// maxProductID keeps ids exactly representable as float64
const maxProductID = 1 << 53

// OrderRequest is a request to allocate quantity units of a single product.
// Fields keep the raw JSON values so absent, non-numeric, fractional and
// out of range values can be told apart.
type OrderRequest struct {
	ProductID json.RawMessage `json:"productId"`
	Quantity  json.RawMessage `json:"quantity"`
}

// NewOrderRequest builds a request from already typed values
func NewOrderRequest(productID int64, quantity int) OrderRequest {
	return OrderRequest{
		ProductID: json.RawMessage(strconv.FormatInt(productID, 10)),
		Quantity:  json.RawMessage(strconv.Itoa(quantity)),
	}
}

// Validate checks the request without touching any state and returns the typed values.
// Checks run in order: presence, quantity, product id.
func (r OrderRequest) Validate() (int64, int, error) {
	if isAbsent(r.ProductID) || isAbsent(r.Quantity) {
		return 0, 0, newError(KindInvalidInput, "Product ID and quantity are required")
	}

	quantity, ok := jsonNumber(r.Quantity)
	if !ok {
		return 0, 0, newError(KindInvalidQuantity, "Quantity must be a number")
	}
	if quantity <= 0 {
		return 0, 0, newError(KindInvalidQuantity, "Quantity must be greater than 0")
	}
	if quantity != math.Trunc(quantity) {
		return 0, 0, newError(KindInvalidQuantity, "Quantity must be an integer")
	}
	if quantity > math.MaxInt32 {
		return 0, 0, newError(KindInvalidQuantity, "Quantity is out of range")
	}

	productID, ok := jsonNumber(r.ProductID)
	if !ok || productID <= 0 || productID != math.Trunc(productID) || productID > maxProductID {
		return 0, 0, newError(KindInvalidProductID, "Invalid product ID")
	}

	return int64(productID), int(quantity), nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// jsonNumber parses raw only when it is a bare JSON number; strings, booleans,
// arrays and objects are rejected even if their content looks numeric.
func jsonNumber(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}
	if c := trimmed[0]; c != '-' && (c < '0' || c > '9') {
		return 0, false
	}
	if !json.Valid(trimmed) {
		return 0, false
	}

	n, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
