package credit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUsageClient_CheckQuota_ParsesResponse(t *testing.T) {
	var gotAuth string
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req QuotaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.APIKey != "k" {
			t.Errorf("expected apiKey k in request body, got %q", req.APIKey)
		}
		_ = json.NewEncoder(w).Encode(QuotaResponse{Allowed: true, RemainingDaily: 5, RemainingMonthly: 50})
	}))
	defer svc.Close()

	client := NewUsageClient(svc.URL, "admin-key")
	resp, err := client.CheckQuota(context.Background(), QuotaRequest{APIKey: "k", Service: "weather"})
	if err != nil {
		t.Fatalf("CheckQuota() unexpected error: %v", err)
	}
	if !resp.Allowed || resp.RemainingDaily != 5 {
		t.Errorf("unexpected quota response: %+v", resp)
	}
	if gotAuth != "Bearer admin-key" {
		t.Errorf("expected admin bearer auth, got %q", gotAuth)
	}
}

func TestUsageClient_CheckQuota_NonSuccessStatusIsError(t *testing.T) {
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer svc.Close()

	client := NewUsageClient(svc.URL, "admin-key")
	client.http.RetryMax = 0
	if _, err := client.CheckQuota(context.Background(), QuotaRequest{APIKey: "k"}); err == nil {
		t.Fatal("expected an error on a 500 response")
	}
}

func TestUsageClient_Track_PostsMetadata(t *testing.T) {
	var got TrackRequest
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer svc.Close()

	client := NewUsageClient(svc.URL, "admin-key")
	err := client.Track(context.Background(), TrackRequest{
		APIKey:  "k",
		Service: "weather",
		Usage:   15,
		Metadata: TrackMetadata{
			ToolName: "forecast",
			Success:  true,
		},
	})
	if err != nil {
		t.Fatalf("Track() unexpected error: %v", err)
	}
	if got.Metadata.ToolName != "forecast" || got.Usage != 15 {
		t.Errorf("unexpected tracked request: %+v", got)
	}
}
