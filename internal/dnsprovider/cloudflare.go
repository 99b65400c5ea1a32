package dnsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/siphon-tunnel/siphon/internal/obs"
)

// DNSTarget is either an A-record IP or a CNAME hostname (§6
// server_ip/server_cname, "at most one").
type DNSTarget struct {
	IP    string
	CNAME string
}

func (t DNSTarget) recordTypeAndContent() (string, string) {
	if t.IP != "" {
		return "A", t.IP
	}
	return "CNAME", t.CNAME
}

// CloudflareProvisioner manages DNS records over the Cloudflare v4 API,
// grounded on original_source's CloudflareClient
// (siphon-server/src/cloudflare.rs create_record/delete_record).
const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

type CloudflareProvisioner struct {
	httpClient *http.Client
	apiBase    string
	apiToken   string
	zoneID     string
	baseDomain string
	target     DNSTarget
	proxied    bool

	mu        sync.Mutex
	recordIDs map[string]string
}

// NewCloudflareProvisioner builds a provisioner for the given zone and
// base domain. proxied controls whether created records route through
// Cloudflare's proxy (true for HTTP tunnels, false for TCP per the
// original client's create_record signature).
func NewCloudflareProvisioner(apiToken, zoneID, baseDomain string, target DNSTarget, proxied bool) *CloudflareProvisioner {
	return &CloudflareProvisioner{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiBase:    cloudflareAPIBase,
		apiToken:   apiToken,
		zoneID:     zoneID,
		baseDomain: baseDomain,
		target:     target,
		proxied:    proxied,
		recordIDs:  make(map[string]string),
	}
}

type cfCreateRecord struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type cfAPIError struct {
	Message string `json:"message"`
}

type cfRecordResult struct {
	ID string `json:"id"`
}

type cfDNSRecordResponse struct {
	Success bool            `json:"success"`
	Result  *cfRecordResult `json:"result"`
	Errors  []cfAPIError    `json:"errors"`
}

type cfDeleteResponse struct {
	Success bool         `json:"success"`
	Errors  []cfAPIError `json:"errors"`
}

func joinErrors(errs []cfAPIError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, ", ")
}

// Upsert creates a DNS record for subdomain. target is currently
// ignored in favor of the provisioner's configured DNSTarget (§6: the
// server has at most one configured A/CNAME target shared by every
// tunnel), kept as a parameter to satisfy the Provisioner contract.
func (c *CloudflareProvisioner) Upsert(ctx context.Context, subdomain, _ string) error {
	fullName := subdomain + "." + c.baseDomain
	recordType, content := c.target.recordTypeAndContent()

	body, err := json.Marshal(cfCreateRecord{Type: recordType, Name: fullName, Content: content, TTL: 60, Proxied: c.proxied})
	if err != nil {
		return fmt.Errorf("dnsprovider: marshal create request: %w", err)
	}

	url := fmt.Sprintf("%s/zones/%s/dns_records", c.apiBase, c.zoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dnsprovider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dnsprovider: create record: %w", err)
	}
	defer resp.Body.Close()

	var parsed cfDNSRecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("dnsprovider: decode create response: %w", err)
	}
	if !parsed.Success || parsed.Result == nil {
		return fmt.Errorf("dnsprovider: cloudflare rejected create for %s: %s", fullName, joinErrors(parsed.Errors))
	}

	c.mu.Lock()
	c.recordIDs[subdomain] = parsed.Result.ID
	c.mu.Unlock()
	obs.Info("dnsprovider.upsert", obs.Fields{"subdomain": fullName, "type": recordType, "record_id": parsed.Result.ID})
	return nil
}

// Delete removes the record created for subdomain. Best-effort: a
// missing local record id (e.g. after a process restart) is logged and
// treated as already-deleted rather than an error.
func (c *CloudflareProvisioner) Delete(ctx context.Context, subdomain string) error {
	c.mu.Lock()
	recordID, ok := c.recordIDs[subdomain]
	c.mu.Unlock()
	if !ok {
		obs.Warn("dnsprovider.delete.unknown_record", obs.Fields{"subdomain": subdomain})
		return nil
	}

	url := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.apiBase, c.zoneID, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("dnsprovider: build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dnsprovider: delete record: %w", err)
	}
	defer resp.Body.Close()

	var parsed cfDeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("dnsprovider: decode delete response: %w", err)
	}
	if !parsed.Success {
		return fmt.Errorf("dnsprovider: cloudflare rejected delete of %s: %s", recordID, joinErrors(parsed.Errors))
	}
	c.mu.Lock()
	delete(c.recordIDs, subdomain)
	c.mu.Unlock()
	return nil
}
