package keypool

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef_SecretNeverLeaks(t *testing.T) {
	ref := Ref{Provider: "groq", Index: 2, Secret: "gsk-super-secret", Lease: uuid.New()}

	assert.NotContains(t, ref.String(), "gsk-super-secret")

	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gsk-super-secret")
	assert.Contains(t, string(data), `"secret":"***"`)
}

func TestRef_EmptySecretOmitted(t *testing.T) {
	data, err := json.Marshal(Ref{Provider: "groq"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}
