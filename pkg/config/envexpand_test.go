package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "braced substitution",
			input: "password: ${DB_PASSWORD}",
			env:   map[string]string{"DB_PASSWORD": "secret123"},
			want:  "password: secret123",
		},
		{
			name:  "bare substitution",
			input: "host: $DB_HOST",
			env:   map[string]string{"DB_HOST": "db.internal"},
			want:  "host: db.internal",
		},
		{
			name:  "multiple substitutions in one line",
			input: "url: ${PROTOCOL}://${HOST}:${PORT}",
			env: map[string]string{
				"PROTOCOL": "postgres",
				"HOST":     "localhost",
				"PORT":     "5432",
			},
			want: "url: postgres://localhost:5432",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: ${MISSING_VAR}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
		{
			name: "nested YAML structure",
			input: "database:\n  host: ${DB_HOST}\n  port: ${DB_PORT}",
			env: map[string]string{
				"DB_HOST": "localhost",
				"DB_PORT": "5432",
			},
			want: "database:\n  host: localhost\n  port: 5432",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

func TestExpandEnvWithEmptyInput(t *testing.T) {
	result := ExpandEnv([]byte(""))
	assert.Equal(t, "", string(result))
}

func TestExpandEnvPreservesContentWithoutVariables(t *testing.T) {
	input := "scheduler:\n  max_concurrent_tasks: 5\n  retry_delays: [0, 30s]\n"
	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result))
}
