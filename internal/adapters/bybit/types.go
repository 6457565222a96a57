package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/ports"
)

// restResponse is the common v5 REST envelope. Result payloads are decoded
// lazily per endpoint.
type restResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// pagedResult is the shared shape of list endpoints: a page of items plus the
// cursor for the next page (empty when drained).
type pagedResult struct {
	List           json.RawMessage `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

// Numbers arrive as strings on the wire.

type wireExecution struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderID     string `json:"orderId"`
	ExecID      string `json:"execId"`
	OrderLinkID string `json:"orderLinkId"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

type wireClosedPnL struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"orderId"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	ClosedSize    string `json:"closedSize"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnL     string `json:"closedPnl"`
	OpenFee       string `json:"openFee"`
	CloseFee      string `json:"closeFee"`
	CumEntryValue string `json:"cumEntryValue"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnL string `json:"unrealisedPnl"`
}

type wireOrder struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	UpdatedTime string `json:"updatedTime"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseSide(s string) domain.FillSide {
	if s == "Sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}

// translateExecution converts a wire execution into the port record.
func translateExecution(w wireExecution) (ports.ExecutionRecord, error) {
	if w.Symbol == "" || w.ExecID == "" {
		return ports.ExecutionRecord{}, fmt.Errorf("execution missing symbol or execId: %w", ports.ErrMappingFailed)
	}
	return ports.ExecutionRecord{
		Symbol:      w.Symbol,
		Side:        parseSide(w.Side),
		OrderID:     w.OrderID,
		ExecID:      w.ExecID,
		OrderLinkID: w.OrderLinkID,
		ExecPrice:   parseFloat(w.ExecPrice),
		ExecQty:     parseFloat(w.ExecQty),
		ExecFee:     parseFloat(w.ExecFee),
		ExecTime:    parseMillis(w.ExecTime),
	}, nil
}

// translateClosedPnL converts a wire closed-P&L record into the port record.
// Older records report the size under qty instead of closedSize.
func translateClosedPnL(w wireClosedPnL) (ports.ClosedPnLRecord, error) {
	if w.Symbol == "" {
		return ports.ClosedPnLRecord{}, fmt.Errorf("closed pnl record missing symbol: %w", ports.ErrMappingFailed)
	}
	size := parseFloat(w.ClosedSize)
	if size == 0 {
		size = parseFloat(w.Qty)
	}
	return ports.ClosedPnLRecord{
		Symbol:        w.Symbol,
		OrderID:       w.OrderID,
		Side:          parseSide(w.Side),
		ClosedSize:    size,
		AvgEntryPrice: parseFloat(w.AvgEntryPrice),
		AvgExitPrice:  parseFloat(w.AvgExitPrice),
		ClosedPnL:     parseFloat(w.ClosedPnL),
		OpenFee:       parseFloat(w.OpenFee),
		CloseFee:      parseFloat(w.CloseFee),
		CumEntryValue: parseFloat(w.CumEntryValue),
		CreatedTime:   parseMillis(w.CreatedTime),
		UpdatedTime:   parseMillis(w.UpdatedTime),
	}, nil
}

func translatePosition(w wirePosition) ports.LivePosition {
	return ports.LivePosition{
		Symbol:        w.Symbol,
		Side:          parseSide(w.Side),
		Size:          parseFloat(w.Size),
		AvgPrice:      parseFloat(w.AvgPrice),
		UnrealizedPnL: parseFloat(w.UnrealisedPnL),
	}
}
