// Package dnsprovider provisions the public DNS records an HTTP tunnel
// needs before its handshake can be accepted (§4.4 two-phase
// registration, §6 external interfaces).
package dnsprovider

import "context"

// Provisioner is the DNS side effect the registry commits during
// register_http, before publishing the reservation (§4.4: "commit
// external side effects... Failure during external side effects
// releases the reservation").
type Provisioner interface {
	// Upsert creates or updates the DNS record routing subdomain to
	// target (an IP or CNAME hostname, per §6 server_ip/server_cname).
	// Registration must await success before accepting the handshake.
	Upsert(ctx context.Context, subdomain, target string) error

	// Delete removes the record. Best-effort on unregister: callers log
	// failures but do not block teardown on them (§6).
	Delete(ctx context.Context, subdomain string) error
}
