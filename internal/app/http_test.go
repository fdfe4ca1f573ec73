package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"scrivener/internal/auth"
)

func newTestServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	hash, err := auth.HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	server := httptest.NewServer(NewHTTPServer(f.svc, auth.NewOperatorVerifier(hash), "*").Handler())
	t.Cleanup(server.Close)
	return server, f
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMergeWebhookRecordsTransaction(t *testing.T) {
	server, f := newTestServer(t)
	mergeCommit := f.simulateMerge(t, "v1\n")

	resp := postJSON(t, server.URL+"/api/webhooks/merge", "", MergeEvent{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		PRNumber: 4, PRTitle: "Add caching", Author: "dana",
		MergeCommit: mergeCommit, Diff: "+ cache\n",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var body struct {
		Transaction struct {
			ID         string `json:"id"`
			Kind       string `json:"kind"`
			ConceptKey string `json:"conceptKey"`
		} `json:"transaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Transaction.Kind != "PAIR" || body.Transaction.ConceptKey != "PR#4" {
		t.Fatalf("transaction = %+v", body.Transaction)
	}

	// The recorded transaction is readable back through the query surface.
	query := fmt.Sprintf("%s/api/transactions?repoBranch=%s&id=%s",
		server.URL, url.QueryEscape(f.branch), url.QueryEscape(body.Transaction.ID))
	getResp, err := http.Get(query)
	if err != nil {
		t.Fatalf("GET transaction error = %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET transaction status = %d, want 200", getResp.StatusCode)
	}
}

func TestRevertRequiresOperatorToken(t *testing.T) {
	server, _ := newTestServer(t)

	req := RevertRequest{Owner: testOwner, Repo: testRepo, Branch: testBranch, TargetID: "TXN#x#y"}

	resp := postJSON(t, server.URL+"/api/reverts", "", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/reverts", "wrong", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/api/reverts", "s3cret", req)
	defer resp.Body.Close()
	// Authorized but the target does not exist.
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status with good token = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryRequiresRepoBranch(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/history")
	if err != nil {
		t.Fatalf("GET /api/history error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
