package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "milliseconds", input: "250ms", expected: 250 * time.Millisecond},
		{name: "seconds", input: "30s", expected: 30 * time.Second},
		{name: "complex duration", input: "1h30m45s", expected: time.Hour + 30*time.Minute + 45*time.Second},
		{name: "zero duration", input: "0s", expected: 0},
		{name: "no unit", input: "100", wantErr: true},
		{name: "invalid unit", input: "100x", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Duration)
		})
	}
}

func TestDuration_ConfigFormats(t *testing.T) {
	var fromJSON struct {
		Timeout Duration `json:"timeout"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":"1h30m"}`), &fromJSON))
	require.Equal(t, 90*time.Minute, fromJSON.Timeout.Duration)

	var fromYAML struct {
		Timeout Duration `yaml:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 250ms\n"), &fromYAML))
	require.Equal(t, 250*time.Millisecond, fromYAML.Timeout.Duration)

	require.Error(t, yaml.Unmarshal([]byte("timeout: soon\n"), &fromYAML))

	out, err := json.Marshal(struct {
		Timeout Duration `json:"timeout"`
	}{Timeout: NewDuration(5 * time.Minute)})
	require.NoError(t, err)
	require.JSONEq(t, `{"timeout":"5m0s"}`, string(out))
}

func TestDuration_JSONSchema(t *testing.T) {
	schema := Duration{}.JSONSchema()

	require.NotNil(t, schema)
	assert.Equal(t, "string", schema.Type)
	assert.Equal(t, "Duration", schema.Title)
	assert.Contains(t, schema.Examples, "1m")
	assert.Contains(t, schema.Examples, "300ms")
}
