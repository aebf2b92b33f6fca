package taxii

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"crisp.org/internal/intel"
	"crisp.org/internal/stix"
)

func testFeed(serverURL string) *intel.Feed {
	return &intel.Feed{
		ServerURL:    serverURL,
		APIRoot:      "api1",
		CollectionID: "col-1",
		Username:     "bob",
		Password:     "hunter2",
	}
}

func TestObjectsPagination(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api1/collections/col-1/objects/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "bob" || pass != "hunter2" {
			t.Errorf("basic auth not forwarded")
		}
		if accept := r.Header.Get("Accept"); accept != mediaType {
			t.Errorf("accept = %q", accept)
		}

		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", mediaType)
		switch n {
		case 1:
			if r.URL.Query().Get("next") != "" {
				t.Errorf("first page must not carry a cursor")
			}
			json.NewEncoder(w).Encode(objectsEnvelope{
				Objects: []stix.Object{{"type": "indicator", "id": "indicator--a"}},
				More:    true,
				Next:    "cursor-2",
			})
		default:
			if got := r.URL.Query().Get("next"); got != "cursor-2" {
				t.Errorf("next = %q, want cursor-2", got)
			}
			json.NewEncoder(w).Encode(objectsEnvelope{
				Objects: []stix.Object{{"type": "indicator", "id": "indicator--b"}},
				More:    false,
			})
		}
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	objects, err := client.Objects(context.Background(), testFeed(srv.URL), nil, 0)
	if err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("objects = %d, want 2", len(objects))
	}
	if objects[0].ID() != "indicator--a" || objects[1].ID() != "indicator--b" {
		t.Fatalf("order not preserved: %v %v", objects[0].ID(), objects[1].ID())
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestObjectsAddedAfter(t *testing.T) {
	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("added_after"); got != "2025-05-01T00:00:00Z" {
			t.Errorf("added_after = %q", got)
		}
		json.NewEncoder(w).Encode(objectsEnvelope{})
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	if _, err := client.Objects(context.Background(), testFeed(srv.URL), &since, 0); err != nil {
		t.Fatalf("Objects: %v", err)
	}
}

func TestObjectsPageSizeOverride(t *testing.T) {
	var limit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(objectsEnvelope{})
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()), WithPageSize(50))
	if _, err := client.Objects(context.Background(), testFeed(srv.URL), nil, 0); err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if limit != "50" {
		t.Fatalf("limit = %q, want the configured page size 50", limit)
	}

	if _, err := client.Objects(context.Background(), testFeed(srv.URL), nil, 7); err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if limit != "7" {
		t.Fatalf("limit = %q, want the per-run override 7", limit)
	}
}

func TestObjectsRetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(objectsEnvelope{
			Objects: []stix.Object{{"type": "indicator", "id": "indicator--a"}},
		})
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	objects, err := client.Objects(context.Background(), testFeed(srv.URL), nil, 0)
	if err != nil {
		t.Fatalf("Objects after retry: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(objects))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls)
	}
}

func TestObjectsClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	if _, err := client.Objects(context.Background(), testFeed(srv.URL), nil, 0); err == nil {
		t.Fatal("expected error on 401")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, 401 must not be retried", calls)
	}
}

func TestDiscoverCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api1/collections/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(collectionsEnvelope{Collections: []Collection{
			{ID: "col-1", Title: "Enterprise indicators", CanRead: true},
			{ID: "col-2", Title: "Write-only drop box", CanWrite: true},
		}})
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	cols, err := client.DiscoverCollections(context.Background(), srv.URL, "api1", "", "")
	if err != nil {
		t.Fatalf("DiscoverCollections: %v", err)
	}
	if len(cols) != 2 || cols[0].ID != "col-1" || !cols[0].CanRead {
		t.Fatalf("collections = %+v", cols)
	}
}
