package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseableTag marks a client order ID that does not follow the
// "bot_id:reason:timestamp" convention. Callers route such events to a
// quarantine log instead of silently folding them into bot "unknown".
var ErrUnparseableTag = errors.New("client order tag does not match bot_id:reason:timestamp")

// OrderTag is the parsed client order ID placed by the trading bots.
// It is the sole linkage between an execution and its owning bot/reason.
type OrderTag struct {
	BotID     string
	Reason    string
	Timestamp string // Raw unix timestamp string; may be empty (legacy tags)
}

// ParseOrderTag parses a client order ID of the form
// "bot_id:reason:timestamp". A two-part "bot_id:reason" legacy form is
// accepted with an empty timestamp. Anything else returns ErrUnparseableTag.
func ParseOrderTag(clientOrderID string) (OrderTag, error) {
	if clientOrderID == "" {
		return OrderTag{}, fmt.Errorf("empty tag: %w", ErrUnparseableTag)
	}
	parts := strings.Split(clientOrderID, ":")
	switch {
	case len(parts) >= 3:
		if parts[0] == "" || parts[1] == "" {
			return OrderTag{}, fmt.Errorf("tag %q: %w", clientOrderID, ErrUnparseableTag)
		}
		return OrderTag{BotID: parts[0], Reason: parts[1], Timestamp: parts[2]}, nil
	case len(parts) == 2:
		if parts[0] == "" || parts[1] == "" {
			return OrderTag{}, fmt.Errorf("tag %q: %w", clientOrderID, ErrUnparseableTag)
		}
		return OrderTag{BotID: parts[0], Reason: parts[1]}, nil
	default:
		return OrderTag{}, fmt.Errorf("tag %q: %w", clientOrderID, ErrUnparseableTag)
	}
}

// FormatOrderTag builds a client order ID for the given bot and reason,
// stamped with the current unix time.
func FormatOrderTag(botID, reason string, now time.Time) string {
	return botID + ":" + reason + ":" + strconv.FormatInt(now.Unix(), 10)
}
