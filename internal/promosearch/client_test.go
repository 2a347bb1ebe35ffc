package promosearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/domain"
)

func TestSearchDeduplicatesAndRanks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		queries := r.URL.Query()["queries"]
		want := []string{"chocolate gifts", "pralines"}
		if !reflect.DeepEqual(queries, want) {
			t.Errorf("Expected queries %v, got %v", want, queries)
		}
		// Identity A appears twice with different scores across queries.
		_, _ = w.Write([]byte(`{"result": [
			{"id": "A", "promotion_title": "Chocolate box", "summary_text": "20% off chocolate", "score": 0.9},
			{"id": "B", "promotion_title": "Flower bundle", "summary_text": "Free vase", "score": 0.7},
			{"id": "A", "promotion_title": "Chocolate box", "summary_text": "20% off chocolate", "score": 0.95}
		]}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)
	got, err := client.Search(context.Background(), []string{"chocolate gifts", "pralines"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 distinct promotions, got %d: %+v", len(got), got)
	}
	if got[0].ID != "A" || got[0].Score != 0.95 {
		t.Errorf("Expected A(0.95) first, got %+v", got[0])
	}
	if got[1].ID != "B" || got[1].Score != 0.7 {
		t.Errorf("Expected B(0.7) second, got %+v", got[1])
	}
}

func TestSearchEmptyResultIsValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result": []}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)
	got, err := client.Search(context.Background(), []string{"nothing matches this"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %+v", got)
	}
}

func TestSearchNoQueriesSkipsCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)
	got, err := client.Search(context.Background(), nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 0 || called {
		t.Errorf("Empty query list must not hit the service (called=%v, got=%v)", called, got)
	}
}

func TestSearchUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("index offline"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)
	_, err := client.Search(context.Background(), []string{"chocolate"})
	if !errdefs.IsUnavailable(err) {
		t.Fatalf("Expected unavailable classification, got %v", err)
	}
}

func TestRankCapsAtLimit(t *testing.T) {
	candidates := []domain.Promotion{
		{ID: "1", Score: 0.1},
		{ID: "2", Score: 0.9},
		{ID: "3", Score: 0.5},
		{ID: "4", Score: 0.7},
	}

	got := Rank(candidates, 2)
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	if got[0].ID != "2" || got[1].ID != "4" {
		t.Errorf("Expected top-2 by score, got %+v", got)
	}
}
