package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilfort/flowline/pkg/template"
)

func TestReferences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected []template.Ref
	}{
		{
			name:     "no references",
			input:    "plain literal",
			expected: nil,
		},
		{
			name:     "single reference",
			input:    "{{step1.name}}",
			expected: []template.Ref{{StepID: "step1", Field: "name"}},
		},
		{
			name:  "embedded references",
			input: "Hello {{step1.name}}, order {{trigger.order_id}} shipped",
			expected: []template.Ref{
				{StepID: "step1", Field: "name"},
				{StepID: "trigger", Field: "order_id"},
			},
		},
		{
			name:     "dotted field path",
			input:    "{{step2.customer.address.city}}",
			expected: []template.Ref{{StepID: "step2", Field: "customer.address.city"}},
		},
		{
			name:     "whitespace tolerated",
			input:    "{{ step1.name }}",
			expected: []template.Ref{{StepID: "step1", Field: "name"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, template.References(tt.input))
		})
	}
}

func TestCollectReferences_Nested(t *testing.T) {
	t.Parallel()

	input := map[string]any{
		"url": "https://api.example.com/customers/{{trigger.customer_id}}",
		"body": map[string]any{
			"name": "{{step1.name}}",
			"tags": []any{"{{step1.segment}}", "static"},
		},
		"count": 3,
	}

	refs := template.CollectReferences(input)

	assert.Len(t, refs, 3)
	assert.Contains(t, refs, template.Ref{StepID: "trigger", Field: "customer_id"})
	assert.Contains(t, refs, template.Ref{StepID: "step1", Field: "name"})
	assert.Contains(t, refs, template.Ref{StepID: "step1", Field: "segment"})
}

func TestResolve(t *testing.T) {
	t.Parallel()

	runContext := map[string]any{
		"trigger": map[string]any{"customer_id": float64(42)},
		"step1": map[string]any{
			"name":  "Acme",
			"score": 7.5,
			"address": map[string]any{
				"city": "Lisbon",
			},
		},
	}

	t.Run("whole-string reference keeps type", func(t *testing.T) {
		t.Parallel()

		resolved, err := template.Resolve(map[string]any{
			"customer_id": "{{trigger.customer_id}}",
			"score":       "{{step1.score}}",
		}, runContext)
		require.NoError(t, err)

		assert.Equal(t, float64(42), resolved["customer_id"])
		assert.InDelta(t, 7.5, resolved["score"], 0.001)
	})

	t.Run("embedded reference interpolates as text", func(t *testing.T) {
		t.Parallel()

		resolved, err := template.Resolve(map[string]any{
			"greeting": "Hello {{step1.name}} from {{step1.address.city}}",
		}, runContext)
		require.NoError(t, err)

		assert.Equal(t, "Hello Acme from Lisbon", resolved["greeting"])
	})

	t.Run("nested maps and slices resolve", func(t *testing.T) {
		t.Parallel()

		resolved, err := template.Resolve(map[string]any{
			"body": map[string]any{
				"names": []any{"{{step1.name}}"},
			},
		}, runContext)
		require.NoError(t, err)

		body, ok := resolved["body"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, []any{"Acme"}, body["names"])
	})

	t.Run("literals pass through untouched", func(t *testing.T) {
		t.Parallel()

		resolved, err := template.Resolve(map[string]any{
			"limit":   10,
			"enabled": true,
			"note":    "no refs here",
		}, runContext)
		require.NoError(t, err)

		assert.Equal(t, 10, resolved["limit"])
		assert.Equal(t, true, resolved["enabled"])
		assert.Equal(t, "no refs here", resolved["note"])
	})

	t.Run("unknown step fails", func(t *testing.T) {
		t.Parallel()

		_, err := template.Resolve(map[string]any{
			"value": "{{step9.name}}",
		}, runContext)

		require.ErrorIs(t, err, template.ErrUnresolved)
	})

	t.Run("unknown field fails", func(t *testing.T) {
		t.Parallel()

		_, err := template.Resolve(map[string]any{
			"value": "{{step1.missing}}",
		}, runContext)

		require.ErrorIs(t, err, template.ErrUnresolved)
	})

	t.Run("nil input yields empty map", func(t *testing.T) {
		t.Parallel()

		resolved, err := template.Resolve(nil, runContext)
		require.NoError(t, err)
		assert.Empty(t, resolved)
	})
}
