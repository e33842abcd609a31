package types

import "time"

// EventKind identifies the kind of an order event pushed by the host.
type EventKind int

const (
	EventUnknown EventKind = iota

	EventSubmitOK
	EventSubmitConditionalOK
	EventSubmitRejected
	EventPartialFillOK
	EventFullyFilled
	EventFillRejected

	EventMergeOK
	EventMergeCloseOK
	EventMergeRejected

	EventCloseOK
	EventPartialCloseOK
	EventCloseRejected

	EventChangedLabel
	EventChangeLabelRejected
	EventChangedGTT
	EventChangeGTTRejected
	EventChangedAmount
	EventChangeAmountRejected
	EventChangedOpenPrice
	EventChangeOpenPriceRejected
	EventChangedSL
	EventChangeSLRejected
	EventChangedTP
	EventChangeTPRejected

	EventNotification
)

var eventKindNames = map[EventKind]string{
	EventUnknown:                 "UNKNOWN",
	EventSubmitOK:                "SUBMIT_OK",
	EventSubmitConditionalOK:     "SUBMIT_CONDITIONAL_OK",
	EventSubmitRejected:          "SUBMIT_REJECTED",
	EventPartialFillOK:           "PARTIAL_FILL_OK",
	EventFullyFilled:             "FULLY_FILLED",
	EventFillRejected:            "FILL_REJECTED",
	EventMergeOK:                 "MERGE_OK",
	EventMergeCloseOK:            "MERGE_CLOSE_OK",
	EventMergeRejected:           "MERGE_REJECTED",
	EventCloseOK:                 "CLOSE_OK",
	EventPartialCloseOK:          "PARTIAL_CLOSE_OK",
	EventCloseRejected:           "CLOSE_REJECTED",
	EventChangedLabel:            "CHANGED_LABEL",
	EventChangeLabelRejected:     "CHANGE_LABEL_REJECTED",
	EventChangedGTT:              "CHANGED_GTT",
	EventChangeGTTRejected:       "CHANGE_GTT_REJECTED",
	EventChangedAmount:           "CHANGED_AMOUNT",
	EventChangeAmountRejected:    "CHANGE_AMOUNT_REJECTED",
	EventChangedOpenPrice:        "CHANGED_OPEN_PRICE",
	EventChangeOpenPriceRejected: "CHANGE_OPEN_PRICE_REJECTED",
	EventChangedSL:               "CHANGED_SL",
	EventChangeSLRejected:        "CHANGE_SL_REJECTED",
	EventChangedTP:               "CHANGED_TP",
	EventChangeTPRejected:        "CHANGE_TP_REJECTED",
	EventNotification:            "NOTIFICATION",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Family groups the event kinds that belong to one kind of request.
type Family int

const (
	FamilyNone Family = iota
	FamilySubmit
	FamilyMerge
	FamilyClose
	FamilyLabel
	FamilyGTT
	FamilyAmount
	FamilyOpenPrice
	FamilySL
	FamilyTP
)

func (f Family) String() string {
	switch f {
	case FamilySubmit:
		return "submit"
	case FamilyMerge:
		return "merge"
	case FamilyClose:
		return "close"
	case FamilyLabel:
		return "set_label"
	case FamilyGTT:
		return "set_gtt"
	case FamilyAmount:
		return "set_amount"
	case FamilyOpenPrice:
		return "set_open_price"
	case FamilySL:
		return "set_sl"
	case FamilyTP:
		return "set_tp"
	default:
		return "none"
	}
}

// KindSet lists the event kinds of one family by role. Intermediate kinds are
// forwarded to callbacks but do not resolve a call.
type KindSet struct {
	Family       Family
	Success      []EventKind
	Reject       []EventKind
	Intermediate []EventKind
}

var kindSets = map[Family]KindSet{
	FamilySubmit: {
		Family:       FamilySubmit,
		Success:      []EventKind{EventFullyFilled, EventSubmitConditionalOK},
		Reject:       []EventKind{EventSubmitRejected, EventFillRejected},
		Intermediate: []EventKind{EventSubmitOK, EventPartialFillOK},
	},
	FamilyMerge: {
		Family:  FamilyMerge,
		Success: []EventKind{EventMergeOK, EventMergeCloseOK},
		Reject:  []EventKind{EventMergeRejected},
	},
	FamilyClose: {
		Family:  FamilyClose,
		Success: []EventKind{EventCloseOK, EventPartialCloseOK},
		Reject:  []EventKind{EventCloseRejected},
	},
	FamilyLabel:     {Family: FamilyLabel, Success: []EventKind{EventChangedLabel}, Reject: []EventKind{EventChangeLabelRejected}},
	FamilyGTT:       {Family: FamilyGTT, Success: []EventKind{EventChangedGTT}, Reject: []EventKind{EventChangeGTTRejected}},
	FamilyAmount:    {Family: FamilyAmount, Success: []EventKind{EventChangedAmount}, Reject: []EventKind{EventChangeAmountRejected}},
	FamilyOpenPrice: {Family: FamilyOpenPrice, Success: []EventKind{EventChangedOpenPrice}, Reject: []EventKind{EventChangeOpenPriceRejected}},
	FamilySL:        {Family: FamilySL, Success: []EventKind{EventChangedSL}, Reject: []EventKind{EventChangeSLRejected}},
	FamilyTP:        {Family: FamilyTP, Success: []EventKind{EventChangedTP}, Reject: []EventKind{EventChangeTPRejected}},
}

var familyOfKind = func() map[EventKind]Family {
	m := make(map[EventKind]Family)
	for family, set := range kindSets {
		for _, k := range set.All() {
			m[k] = family
		}
	}
	return m
}()

// KindsOf returns the kind set of a family.
func KindsOf(f Family) KindSet {
	return kindSets[f]
}

// FamilyOf returns the family an event kind belongs to, or FamilyNone.
func FamilyOf(k EventKind) Family {
	return familyOfKind[k]
}

// All returns every kind in the set.
func (s KindSet) All() []EventKind {
	all := make([]EventKind, 0, len(s.Success)+len(s.Reject)+len(s.Intermediate))
	all = append(all, s.Success...)
	all = append(all, s.Reject...)
	return append(all, s.Intermediate...)
}

// Contains returns true if k belongs to the set.
func (s KindSet) Contains(k EventKind) bool {
	return containsKind(s.Success, k) || containsKind(s.Reject, k) || containsKind(s.Intermediate, k)
}

// IsSuccess returns true if k resolves a call successfully.
func (s KindSet) IsSuccess(k EventKind) bool {
	return containsKind(s.Success, k)
}

// IsReject returns true if k resolves a call as rejected.
func (s KindSet) IsReject(k EventKind) bool {
	return containsKind(s.Reject, k)
}

// IsTerminal returns true if k resolves a call.
func (s KindSet) IsTerminal(k EventKind) bool {
	return s.IsSuccess(k) || s.IsReject(k)
}

func containsKind(kinds []EventKind, k EventKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// OrderEvent is an immutable (order, kind) pair pushed by the host.
type OrderEvent struct {
	Order     Order
	Kind      EventKind
	Timestamp time.Time
	Message   string
}

// OrderID returns the identity of the event's order.
func (e OrderEvent) OrderID() string {
	if e.Order == nil {
		return ""
	}
	return e.Order.ID()
}
