package payment

import (
	"fmt"
	"strconv"
	"strings"

	"commerce-bot/internal/apperr"

	"github.com/google/uuid"
)

// ReferenceKind tells what a payment reference points at
type ReferenceKind int

const (
	// ReferencePending points at a user's PendingOrder
	ReferencePending ReferenceKind = iota + 1
	// ReferenceOrder points at an existing awaiting_payment order
	ReferenceOrder
)

const (
	pendingPrefix = "PO-"
	orderPrefix   = "ORD-"
)

// Reference is a parsed payment reference
type Reference struct {
	Kind    ReferenceKind
	UserID  int64
	OrderID int64
	Raw     string
}

// NewPendingReference returns a fresh "PO-<userID>-<nonce>" reference
func NewPendingReference(userID int64) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d-%s", pendingPrefix, userID, nonce)
}

// OrderReference returns "ORD-<orderID>"
func OrderReference(orderID int64) string {
	return fmt.Sprintf("%s%d", orderPrefix, orderID)
}

// ParseReference validates a reference coming back from a provider
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(raw, pendingPrefix):
		parts := strings.SplitN(strings.TrimPrefix(raw, pendingPrefix), "-", 2)
		if len(parts) != 2 || parts[1] == "" {
			break
		}
		userID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || userID <= 0 {
			break
		}
		return Reference{Kind: ReferencePending, UserID: userID, Raw: raw}, nil

	case strings.HasPrefix(raw, orderPrefix):
		orderID, err := strconv.ParseInt(strings.TrimPrefix(raw, orderPrefix), 10, 64)
		if err != nil || orderID <= 0 {
			break
		}
		return Reference{Kind: ReferenceOrder, OrderID: orderID, Raw: raw}, nil
	}

	return Reference{}, fmt.Errorf("%w: payment reference %q", apperr.ErrInvalid, raw)
}
