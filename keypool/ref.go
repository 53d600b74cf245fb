package keypool

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Ref identifies one issued credential. The Secret is handed to the caller
// for the upstream request; Lease correlates the eventual Report call with
// the Acquire that produced it in logs.
type Ref struct {
	Provider string
	Index    int
	Secret   string
	Lease    uuid.UUID
}

// String masks the secret.
func (r Ref) String() string {
	return fmt.Sprintf("Ref{%s/%d lease=%s}", r.Provider, r.Index, r.Lease)
}

// MarshalJSON never serializes the secret. Refs end up in structured logs
// and status payloads; the credential itself must not.
func (r Ref) MarshalJSON() ([]byte, error) {
	type masked struct {
		Provider string `json:"provider"`
		Index    int    `json:"index"`
		Secret   string `json:"secret,omitempty"`
		Lease    string `json:"lease"`
	}
	out := masked{Provider: r.Provider, Index: r.Index, Lease: r.Lease.String()}
	if r.Secret != "" {
		out.Secret = "***"
	}
	return json.Marshal(out)
}
