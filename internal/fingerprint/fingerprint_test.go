package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfIsDeterministic(t *testing.T) {
	a, err := Of("TEST", map[string]interface{}{"id": 7.0, "name": "x"})
	require.NoError(t, err)
	b, err := Of("TEST", map[string]interface{}{"name": "x", "id": 7.0})
	require.NoError(t, err)
	require.Equal(t, a, b, "key order must not affect the fingerprint")
}

func TestOfIgnoresWhitespaceOnlyDifferences(t *testing.T) {
	a, err := Of("TEST", map[string]interface{}{"name": "hello   world"})
	require.NoError(t, err)
	b, err := Of("TEST", map[string]interface{}{"name": "  hello world  "})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestOfPreservesArrayOrder(t *testing.T) {
	a, err := Of("TEST", map[string]interface{}{"items": []interface{}{1.0, 2.0, 3.0}})
	require.NoError(t, err)
	b, err := Of("TEST", map[string]interface{}{"items": []interface{}{3.0, 2.0, 1.0}})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOfDiffersByClass(t *testing.T) {
	a, err := Of("TEST", map[string]interface{}{"id": 1.0})
	require.NoError(t, err)
	b, err := Of("OTHER", map[string]interface{}{"id": 1.0})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
