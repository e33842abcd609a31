package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

// TestSide_String tests Side string conversion.
func TestSide_String(t *testing.T) {
	tests := []struct {
		side Side
		want string
	}{
		{SideLong, "LONG"},
		{SideShort, "SHORT"},
		{SideFlat, "FLAT"},
		{Side(99), "FLAT"}, // Unknown defaults to FLAT
	}

	for _, tt := range tests {
		got := tt.side.String()
		if got != tt.want {
			t.Errorf("Side(%d).String() = %s, want %s", tt.side, got, tt.want)
		}
	}
}

// TestSide_Opposite tests direction flip.
func TestSide_Opposite(t *testing.T) {
	tests := []struct {
		side Side
		want Side
	}{
		{SideLong, SideShort},
		{SideShort, SideLong},
		{SideFlat, SideFlat},
	}

	for _, tt := range tests {
		got := tt.side.Opposite()
		if got != tt.want {
			t.Errorf("Side(%d).Opposite() = %d, want %d", tt.side, got, tt.want)
		}
	}
}

func TestOrderState_IsFinal(t *testing.T) {
	tests := []struct {
		state OrderState
		want  bool
	}{
		{OrderStateCreated, false},
		{OrderStateOpened, false},
		{OrderStateFilled, false},
		{OrderStateClosed, true},
		{OrderStateCanceled, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsFinal(); got != tt.want {
				t.Errorf("IsFinal() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestKindSets_Disjoint checks that every event kind belongs to at most one family,
// which is what lets the gateway route by (order, family) without ties.
func TestKindSets_Disjoint(t *testing.T) {
	seen := make(map[EventKind]Family)
	for family, set := range kindSets {
		for _, k := range set.All() {
			if other, ok := seen[k]; ok {
				t.Errorf("kind %s in both %s and %s", k, other, family)
			}
			seen[k] = family
		}
	}
}

func TestKindSet_Roles(t *testing.T) {
	submit := KindsOf(FamilySubmit)

	if !submit.IsSuccess(EventFullyFilled) {
		t.Error("FULLY_FILLED should resolve submit")
	}
	if !submit.IsTerminal(EventSubmitConditionalOK) {
		t.Error("SUBMIT_CONDITIONAL_OK should resolve submit")
	}
	if submit.IsTerminal(EventSubmitOK) {
		t.Error("SUBMIT_OK should not resolve submit")
	}
	if !submit.Contains(EventPartialFillOK) {
		t.Error("PARTIAL_FILL_OK should be part of submit family")
	}
	if !submit.IsReject(EventFillRejected) {
		t.Error("FILL_REJECTED should reject submit")
	}
	if submit.Contains(EventMergeOK) {
		t.Error("MERGE_OK should not be part of submit family")
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		kind EventKind
		want Family
	}{
		{EventChangedSL, FamilySL},
		{EventChangeTPRejected, FamilyTP},
		{EventMergeCloseOK, FamilyMerge},
		{EventPartialCloseOK, FamilyClose},
		{EventNotification, FamilyNone},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := FamilyOf(tt.kind); got != tt.want {
				t.Errorf("FamilyOf(%s) = %s, want %s", tt.kind, got, tt.want)
			}
		})
	}
}

func TestEventKind_String(t *testing.T) {
	if got := EventChangedOpenPrice.String(); got != "CHANGED_OPEN_PRICE" {
		t.Errorf("String() = %s, want CHANGED_OPEN_PRICE", got)
	}
	if got := EventKind(999).String(); got != "UNKNOWN" {
		t.Errorf("String() = %s, want UNKNOWN", got)
	}
}

func TestPriceForPips(t *testing.T) {
	base := decimal.RequireFromString("1.10000")

	tests := []struct {
		name string
		side Side
		pips string
		want string
	}{
		{"long take profit", SideLong, "20", "1.102"},
		{"long stop loss", SideLong, "-15", "1.0985"},
		{"short take profit", SideShort, "20", "1.098"},
		{"short stop loss", SideShort, "-15", "1.1015"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriceForPips(InstrumentEURUSD, tt.side, base, decimal.RequireFromString(tt.pips))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("PriceForPips() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGetInstrumentSpec(t *testing.T) {
	spec, ok := GetInstrumentSpec("USD/JPY")
	if !ok {
		t.Fatal("expected USD/JPY to be known")
	}
	if !spec.PipSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("PipSize = %s, want 0.01", spec.PipSize)
	}

	if _, ok := GetInstrumentSpec("DOGE/BTC"); ok {
		t.Error("expected unknown instrument")
	}
}

func TestErrorClassification(t *testing.T) {
	reject := &RejectError{Event: OrderEvent{Kind: EventMergeRejected}}
	host := &HostError{Family: FamilyClose, Err: errors.New("boom")}

	wrappedReject := fmt.Errorf("outer: %w", &StageError{Stage: "merge", Err: reject})
	if !IsReject(wrappedReject) {
		t.Error("expected wrapped reject to classify as reject")
	}
	if IsHostError(wrappedReject) {
		t.Error("reject should not classify as host error")
	}

	wrappedHost := &MemberError{Index: 1, OrderID: "o-1", Err: host}
	if !IsHostError(wrappedHost) {
		t.Error("expected wrapped host error to classify as host error")
	}
	if IsReject(wrappedHost) {
		t.Error("host error should not classify as reject")
	}
}
