package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

func TestPickBarcodeCandidate(t *testing.T) {
	active := &types.Transaction{
		ID: "parking_PK1", Status: types.StatusInside,
		WaktuMasuk: "2024-03-01T08:00:00+07:00",
	}
	exited := &types.Transaction{
		ID: "transaction_PK1", Status: types.StatusExited,
		WaktuMasuk: "2024-03-01T09:00:00+07:00",
	}
	canonical := &types.Transaction{
		ID: "transaction_PK1", Status: types.StatusInside,
		WaktuMasuk: "2024-03-01T07:00:00+07:00",
	}
	newer := &types.Transaction{
		ID: "parking_other", Status: types.StatusInside,
		WaktuMasuk: "2024-03-01T10:00:00+07:00",
	}

	t.Run("empty", func(t *testing.T) {
		require.Nil(t, PickBarcodeCandidate("PK1", nil))
	})

	t.Run("active beats exited", func(t *testing.T) {
		got := PickBarcodeCandidate("PK1", []*types.Transaction{exited, active})
		require.Same(t, active, got)
	})

	t.Run("canonical id beats entry time", func(t *testing.T) {
		got := PickBarcodeCandidate("PK1", []*types.Transaction{newer, canonical})
		require.Same(t, canonical, got)
	})

	t.Run("most recent entry wins otherwise", func(t *testing.T) {
		got := PickBarcodeCandidate("PK1", []*types.Transaction{active, newer})
		require.Same(t, newer, got)
	})

	t.Run("input order is not mutated", func(t *testing.T) {
		in := []*types.Transaction{exited, active}
		PickBarcodeCandidate("PK1", in)
		require.Same(t, exited, in[0])
	})
}
