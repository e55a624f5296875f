// Package bot is the Telegram front end: it turns chat updates into cart,
// catalog and checkout operations and renders the results as messages.
package bot

import (
	"fmt"
	"strconv"
	"strings"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
)

// Kind identifies what a button press asks for
type Kind string

const (
	KindStart           Kind = "start"
	KindHelp            Kind = "help"
	KindIgnore          Kind = "ignore"
	KindCategories      Kind = "categories"
	KindCategory        Kind = "category"
	KindProduct         Kind = "prod"
	KindAdd             Kind = "add"
	KindAskQuantity     Kind = "askqty"
	KindSearch          Kind = "search_products"
	KindViewCart        Kind = "view_cart"
	KindIncrement       Kind = "inc"
	KindDecrement       Kind = "dec"
	KindRemove          Kind = "remove"
	KindClearCart       Kind = "clear_cart"
	KindCheckout        Kind = "checkout_summary"
	KindUseSavedAddress Kind = "use_saved_address"
	KindEnterAddress    Kind = "enter_new_address"
	KindApplyDiscount   Kind = "apply_discount_code"
	KindRemoveDiscount  Kind = "remove_discount"
	KindSkipDiscount    Kind = "skip_discount"
	KindPay             Kind = "pay"
	KindMyOrders        Kind = "my_orders"
	KindLastOrder       Kind = "last_order"
	KindPayOrder        Kind = "pay_order"
	KindResume          Kind = "resume"
	KindChat            Kind = "chat_with_agent"
	KindContinueChat    Kind = "continue_chat"
)

var plainKinds = map[string]Kind{}

func init() {
	for _, k := range []Kind{
		KindStart, KindHelp, KindIgnore, KindCategories, KindSearch, KindViewCart,
		KindClearCart, KindCheckout, KindUseSavedAddress, KindEnterAddress,
		KindApplyDiscount, KindRemoveDiscount, KindSkipDiscount, KindMyOrders,
		KindLastOrder, KindChat, KindContinueChat,
	} {
		plainKinds[string(k)] = k
	}
}

// idKinds carry one numeric id after "<kind>_"
var idKinds = []Kind{KindCategory, KindProduct, KindAskQuantity, KindIncrement, KindDecrement, KindRemove}

// Callback is the typed form of inline button data
type Callback struct {
	Kind     Kind
	ID       int64
	Quantity int
	Method   models.PaymentMethod
}

// Data encodes the callback the way ParseCallback reads it
func (c Callback) Data() string {
	switch c.Kind {
	case KindAdd:
		return fmt.Sprintf("add_%d_%d", c.ID, c.Quantity)
	case KindPay:
		return "pay_" + string(c.Method)
	case KindPayOrder:
		return fmt.Sprintf("pay_order_%d", c.ID)
	case KindResume:
		return fmt.Sprintf("resume_%s_%d", c.Method, c.ID)
	}
	for _, k := range idKinds {
		if c.Kind == k {
			return fmt.Sprintf("%s_%d", k, c.ID)
		}
	}
	return string(c.Kind)
}

// ParseCallback validates raw button data. Anything it does not recognise
// is apperr.ErrInvalid.
func ParseCallback(data string) (Callback, error) {
	if k, ok := plainKinds[data]; ok {
		return Callback{Kind: k}, nil
	}

	switch {
	case strings.HasPrefix(data, "pay_order_"):
		id, err := parseID(strings.TrimPrefix(data, "pay_order_"))
		if err != nil {
			return Callback{}, invalid(data)
		}
		return Callback{Kind: KindPayOrder, ID: id}, nil

	case strings.HasPrefix(data, "pay_"):
		method := models.PaymentMethod(strings.TrimPrefix(data, "pay_"))
		if !method.Valid() {
			return Callback{}, invalid(data)
		}
		return Callback{Kind: KindPay, Method: method}, nil

	case strings.HasPrefix(data, "resume_"):
		method, rawID, ok := strings.Cut(strings.TrimPrefix(data, "resume_"), "_")
		id, err := parseID(rawID)
		if !ok || err != nil || !models.PaymentMethod(method).Valid() {
			return Callback{}, invalid(data)
		}
		return Callback{Kind: KindResume, ID: id, Method: models.PaymentMethod(method)}, nil

	case strings.HasPrefix(data, "add_"):
		rawID, rawQty, ok := strings.Cut(strings.TrimPrefix(data, "add_"), "_")
		id, err := parseID(rawID)
		qty, qerr := strconv.Atoi(rawQty)
		if !ok || err != nil || qerr != nil || qty < 1 {
			return Callback{}, invalid(data)
		}
		return Callback{Kind: KindAdd, ID: id, Quantity: qty}, nil
	}

	for _, k := range idKinds {
		prefix := string(k) + "_"
		if strings.HasPrefix(data, prefix) {
			id, err := parseID(strings.TrimPrefix(data, prefix))
			if err != nil {
				return Callback{}, invalid(data)
			}
			return Callback{Kind: k, ID: id}, nil
		}
	}
	return Callback{}, invalid(data)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive: %d", id)
	}
	return id, nil
}

func invalid(data string) error {
	return fmt.Errorf("%w: callback %q", apperr.ErrInvalid, data)
}
