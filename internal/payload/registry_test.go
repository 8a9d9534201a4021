package payload

import (
	"encoding/json"
	"testing"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/stretchr/testify/require"
)

const testInputSchema = `{
	"type": "object",
	"properties": { "id": {"type": "number"} },
	"required": ["id"]
}`

func TestValidateInputRejectsUnknownFields(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ClassSpec{Class: "TEST", InputSchema: testInputSchema}))

	_, err := r.ValidateInput("TEST", json.RawMessage(`{"id": 7, "bogus": true}`))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Validation, apiErr.Kind)
}

func TestValidateInputAccepts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ClassSpec{Class: "TEST", InputSchema: testInputSchema}))

	out, err := r.ValidateInput("TEST", json.RawMessage(`{"id": 7}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"id": 7}`, string(out))
}

func TestValidateResultNoSchemaAlwaysOk(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ClassSpec{Class: "TEST", InputSchema: testInputSchema}))
	require.NoError(t, r.ValidateResult("TEST", json.RawMessage(`{"anything": "goes"}`)))
}

func TestTimeoutDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ClassSpec{Class: "TEST", InputSchema: testInputSchema}))
	d, err := r.Timeout("TEST")
	require.NoError(t, err)
	require.Equal(t, defaultTimeout, d)
}

func TestUnknownClassIsValidationError(t *testing.T) {
	r := NewRegistry()
	_, err := r.ValidateInput("NOPE", json.RawMessage(`{}`))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Validation, apiErr.Kind)
}
