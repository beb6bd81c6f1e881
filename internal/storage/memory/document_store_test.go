package memory_test

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

func TestDocumentStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()

	if _, err := store.Get(ctx, "carts/u1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	record := domain.CartRecord{Items: []domain.CartItem{{ID: "A", Quantity: 2}}}
	if err := store.Set(ctx, "carts/u1", record); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	record.Items[0].Quantity = 99

	stored, err := store.Get(ctx, "carts/u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Items[0].Quantity != 2 {
		t.Fatalf("expected isolated copy with qty 2, got %d", stored.Items[0].Quantity)
	}

	if err := store.Delete(ctx, "carts/u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d docs", store.Len())
	}
}
