package dnsprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloudflareProvisionerUpsertAndDelete(t *testing.T) {
	var created, deleted bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			created = true
			require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			var body cfCreateRecord
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "A", body.Type)
			require.Equal(t, "myapp.example.com", body.Name)
			require.Equal(t, "203.0.113.1", body.Content)
			_ = json.NewEncoder(w).Encode(cfDNSRecordResponse{Success: true, Result: &cfRecordResult{ID: "rec_1"}})
		case r.Method == http.MethodDelete:
			deleted = true
			require.Contains(t, r.URL.Path, "rec_1")
			_ = json.NewEncoder(w).Encode(cfDeleteResponse{Success: true})
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	p := NewCloudflareProvisioner("test-token", "zone1", "example.com", DNSTarget{IP: "203.0.113.1"}, true)
	p.apiBase = srv.URL

	require.NoError(t, p.Upsert(context.Background(), "myapp", ""))
	require.True(t, created)
	require.Equal(t, "rec_1", p.recordIDs["myapp"])

	require.NoError(t, p.Delete(context.Background(), "myapp"))
	require.True(t, deleted)
	require.NotContains(t, p.recordIDs, "myapp")
}

func TestCloudflareProvisionerUpsertRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cfDNSRecordResponse{Success: false, Errors: []cfAPIError{{Message: "record already exists"}}})
	}))
	defer srv.Close()

	p := NewCloudflareProvisioner("test-token", "zone1", "example.com", DNSTarget{IP: "203.0.113.1"}, true)
	p.apiBase = srv.URL

	err := p.Upsert(context.Background(), "myapp", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "record already exists")
}

func TestCloudflareProvisionerDeleteUnknownRecordIsNoop(t *testing.T) {
	p := NewCloudflareProvisioner("test-token", "zone1", "example.com", DNSTarget{IP: "203.0.113.1"}, true)
	require.NoError(t, p.Delete(context.Background(), "never-registered"))
}
