package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

type Submission struct {
	ID              string          `json:"id"`
	DistributorName string          `json:"distributor_name"`
	Town            string          `json:"town"`
	SuperStockist   string          `json:"super_stockist"`
	State           string          `json:"state"`
	EnteredBy       string          `json:"entered_by"`
	Mobile          string          `json:"mobile"`
	IdempotencyKey  string          `json:"-"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	Items           []InventoryItem `json:"items"`
}

type InventoryItem struct {
	ItemName     string `json:"item_name"`
	OpeningStock int64  `json:"opening_stock"`
	Purchase     int64  `json:"purchase"`
	Sale         int64  `json:"sale"`
	ClosingStock int64  `json:"closing_stock"`
}

// ClosingStock is opening + purchase - sale, clamped at zero.
func ClosingStock(opening int64, purchase int64, sale int64) int64 {
	closing := opening + purchase - sale
	if closing < 0 {
		return 0
	}
	return closing
}

type SubmissionRequest struct {
	DistributorName Text          `json:"distributor_name" validate:"required"`
	Town            Text          `json:"town" validate:"required"`
	SuperStockist   Text          `json:"super_stockist" validate:"text"`
	State           Text          `json:"state" validate:"required"`
	EnteredBy       Text          `json:"entered_by" validate:"text"`
	Mobile          Text          `json:"mobile" validate:"required,mobile"`
	Items           []ItemRequest `json:"items" validate:"required,min=1,dive"`
}

type ItemRequest struct {
	ItemName     Text     `json:"item_name" validate:"required"`
	OpeningStock Quantity `json:"opening_stock" validate:"quantity"`
	Purchase     Quantity `json:"purchase" validate:"quantity"`
	Sale         Quantity `json:"sale" validate:"quantity"`
	// ClosingStock is accepted from older clients and never read.
	ClosingStock any `json:"closing_stock,omitempty"`
}

// Text is a free-text form value. Like Quantity it never fails to decode:
// anything other than a JSON string or null sets WrongType.
type Text struct {
	Value     string
	WrongType bool
}

func Str(v string) Text {
	return Text{Value: v}
}

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Text{}
		return nil
	}
	var v string
	if len(data) == 0 || data[0] != '"' || json.Unmarshal(data, &v) != nil {
		*t = Text{WrongType: true}
		return nil
	}
	*t = Text{Value: v}
	return nil
}

func (t Text) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Value)
}

// MaxQuantity bounds every stock count so opening + purchase and report
// totals stay far from int64 overflow.
const MaxQuantity int64 = 1_000_000_000_000

// Quantity is a stock count as sent on the wire. Decoding never fails: a
// missing value leaves Present false and anything other than an integer
// literal leaves Valid false, so both can be reported per field.
type Quantity struct {
	Value   int64
	Present bool
	Valid   bool
}

func Qty(v int64) Quantity {
	return Quantity{Value: v, Present: true, Valid: true}
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = Quantity{}
		return nil
	}
	parsed, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		*q = Quantity{Present: true}
		return nil
	}
	*q = Quantity{Value: parsed, Present: true, Valid: true}
	return nil
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	if !q.Present || !q.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, q.Value, 10), nil
}

type SubmissionResponse struct {
	Message   string     `json:"message"`
	Data      Submission `json:"data"`
	Duplicate bool       `json:"duplicate,omitempty"`
}

// RecordFilter is the resolved form of a records query. Zero values mean
// the filter is not applied; To is exclusive.
type RecordFilter struct {
	From            *time.Time
	To              *time.Time
	DistributorName string
}

func (f RecordFilter) IsZero() bool {
	return f.From == nil && f.To == nil && f.DistributorName == ""
}

type RecordQuery struct {
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Distributor string `json:"distributor"`
}

type Summary struct {
	TotalItems     int64 `json:"total_items"`
	TotalPurchases int64 `json:"total_purchases"`
	TotalSales     int64 `json:"total_sales"`
}

type RecordsView struct {
	Records      []Submission `json:"records"`
	Summary      Summary      `json:"summary"`
	Distributors []string     `json:"distributors"`
}

type SummaryResponse struct {
	Summary      Summary  `json:"summary"`
	Distributors []string `json:"distributors"`
	Count        int      `json:"count"`
}
