package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewSession_Total(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	s := NewSession([]VendItem{
		{Code: 1, Price: 250, Qty: 1},
		{Code: 2, Price: 100, Qty: 2},
	}, now)

	assert.Equal(t, 450, s.TotalPrice)
	assert.Equal(t, "$4.50", s.TotalDisplay)
	assert.Equal(t, "sess-1700000000123", s.SessionID)
	assert.Equal(t, ResultPending, s.PaymentResult)
	for _, it := range s.Items {
		assert.Equal(t, 1, it.Unit)
	}
}

func TestNewSession_DefaultQty(t *testing.T) {
	s := NewSession([]VendItem{{Code: 7, Price: 199}}, time.Now())

	require.Len(t, s.Items, 1)
	assert.Equal(t, 1, s.Items[0].Qty)
	assert.Equal(t, 199, s.TotalPrice)
}

func TestClone_Independent(t *testing.T) {
	s := NewSession([]VendItem{{Code: 1, Price: 100}}, time.Now())
	c := s.Clone()

	c.AddItem(VendItem{Code: 2, Price: 50}, time.Now())

	assert.Len(t, s.Items, 1)
	assert.Equal(t, 100, s.TotalPrice)
	assert.Equal(t, 150, c.TotalPrice)
	assert.Nil(t, (*VendSession)(nil).Clone())
}

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents int
		want  string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{450, "$4.50"},
		{65535, "$655.35"},
		{-120, "-$1.20"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCents(tt.cents))
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateIdle.CanStart())
	assert.True(t, StateSessionComplete.CanStart())
	assert.False(t, StateError.CanStart())
	assert.False(t, StatePaymentAuthorized.CanStart())

	assert.True(t, StateError.IsTerminal())
	assert.False(t, StateDispensing.IsTerminal())
}

func TestSessionTotalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		genItem := rapid.Custom(func(t *rapid.T) VendItem {
			return VendItem{
				Code:  rapid.IntRange(0, 99).Draw(t, "code"),
				Price: rapid.IntRange(0, MaxItemPrice).Draw(t, "price"),
				Qty:   rapid.IntRange(1, 5).Draw(t, "qty"),
			}
		})

		s := NewSession(rapid.SliceOfN(genItem, 1, 4).Draw(t, "initial"), time.Now())

		ops := rapid.SliceOf(rapid.Bool()).Draw(t, "ops")
		for i, add := range ops {
			if add {
				s.AddItem(genItem.Draw(t, "item"), time.Now())
			} else {
				before := s.TotalPrice
				n := len(s.Items)
				s.AddItem(genItem.Draw(t, "rejected"), time.Now())
				s.RemoveLastItem(time.Now())
				if s.TotalPrice != before || len(s.Items) != n {
					t.Fatalf("op %d: rollback changed total %d -> %d", i, before, s.TotalPrice)
				}
			}

			want := 0
			for _, it := range s.Items {
				want += it.Price * it.Qty
			}
			if s.TotalPrice != want {
				t.Fatalf("op %d: total = %d, want %d", i, s.TotalPrice, want)
			}
		}
	})
}
