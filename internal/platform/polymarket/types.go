package polymarket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawMarket is one Gamma listing entry. It is kept as a generic map because
// the listing mixes snake_case and camelCase field names across versions.
type RawMarket map[string]any

// MarketQuery filters a Gamma /markets listing server side.
type MarketQuery struct {
	TagID  int
	Active bool
	Closed bool
	Limit  int
}

// StatusError is a non-2xx response. It unwraps to a domain sentinel when
// the status has one.
type StatusError struct {
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	if e.kind != nil {
		return fmt.Sprintf("%v (HTTP %d): %s", e.kind, e.Code, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }

// OrderType is the CLOB time-in-force.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK"
	OrderTypeGTC OrderType = "GTC"
)

// wireOrder is the JSON shape of a signed order on POST /order.
type wireOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderRequest struct {
	Order     wireOrder `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the CLOB reply to POST /order. Some deployments send
// order_id instead of orderID.
type OrderResponse struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg"`
	OrderID      string   `json:"orderID"`
	AltOrderID   string   `json:"order_id"`
	Status       string   `json:"status"`
	MakingAmount string   `json:"makingAmount"`
	TakingAmount string   `json:"takingAmount"`
	TxHashes     []string `json:"transactionsHashes"`
}

// ID returns whichever order id field was populated.
func (r OrderResponse) ID() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.AltOrderID
}

// Filled parses makingAmount and takingAmount. Both are zero when absent.
func (r OrderResponse) Filled() (making, taking float64) {
	making, _ = strconv.ParseFloat(r.MakingAmount, 64)
	taking, _ = strconv.ParseFloat(r.TakingAmount, 64)
	return making, taking
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flexFloat: %w", err)
	}
	*f = flexFloat(v)
	return nil
}

type priceResponse struct {
	Price flexFloat `json:"price"`
}

type midpointResponse struct {
	Mid flexFloat `json:"mid"`
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

var _ json.Unmarshaler = (*flexFloat)(nil)
