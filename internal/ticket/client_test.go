package ticket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetTicket(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/tickets/ABC-123" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"key":"ABC-123","summary":"Fix login loop","status":"Done"}`))
	}))
	defer server.Close()

	client := New(server.URL, "secret")
	ticket, err := client.Get(context.Background(), "ABC-123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ticket.Summary != "Fix login loop" || ticket.Status != "Done" {
		t.Fatalf("ticket = %+v", ticket)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := New(server.URL, "").Get(context.Background(), "NOPE-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGetTicketServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL, "").Get(context.Background(), "ABC-123")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want upstream failure", err)
	}
}
