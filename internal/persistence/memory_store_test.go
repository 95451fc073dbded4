package persistence

import (
	"context"
	"testing"

	"github.com/petrijr/relay/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Persistence {
		return NewInMemoryPersistence()
	})
}

func TestInMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	if err := store.SaveSubject(ctx, newSubject("s-1")); err != nil {
		t.Fatalf("SaveSubject failed: %v", err)
	}

	got, _ := store.GetSubject(ctx, "s-1")
	got.Fields["city"] = "Dallas"
	got.Notes = append(got.Notes, api.Note{Text: "leaked"})

	again, _ := store.GetSubject(ctx, "s-1")
	if again.Fields["city"] != "Austin" || len(again.Notes) != 0 {
		t.Fatalf("mutation leaked into store: %+v", again)
	}
}
