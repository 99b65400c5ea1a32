// Package secret resolves a secret reference string — a TLS key, a DNS
// provider API token — into raw bytes. It implements the narrow subset
// of siphon-secrets' scheme dispatch the core actually needs at
// startup: file and inline values. OS keychain and password-manager
// backends are a named Non-goal; only the Resolver contract they would
// satisfy is defined here.
package secret

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Resolver turns a secret reference URI into its resolved bytes.
// Failure is fatal at startup (§6).
type Resolver interface {
	Resolve(uri string) ([]byte, error)
}

// schemeResolver dispatches by URI scheme prefix, the Go analogue of
// siphon-secrets' SecretUri::from_str dispatch.
type schemeResolver struct{}

// New returns the default Resolver: file://, base64://, and bare
// values treated as literal PEM/secret bytes.
func New() Resolver { return schemeResolver{} }

func (schemeResolver) Resolve(uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		path := strings.TrimPrefix(uri, "file://")
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("secret: read %q: %w", path, err)
		}
		return b, nil
	case strings.HasPrefix(uri, "base64://"):
		encoded := strings.TrimPrefix(uri, "base64://")
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("secret: decode base64 payload: %w", err)
		}
		return b, nil
	default:
		// A bare value is treated as literal PEM/secret text, same as
		// SecretUri::Plain falling through from_str's scheme checks.
		return []byte(uri), nil
	}
}
