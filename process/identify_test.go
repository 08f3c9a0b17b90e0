package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTitle(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		strict bool
		want   *Identity
	}{
		{
			name: "tcp client",
			args: []string{"postgres: alice db1 1.2.3.4(5678)"},
			want: &Identity{User: "alice", Database: "db1", Origin: "1.2.3.4"},
		},
		{
			name: "local socket with activity",
			args: []string{"postgres: bob sales [local] idle in transaction"},
			want: &Identity{User: "bob", Database: "sales", Origin: "[local]"},
		},
		{
			name: "split argv and extra whitespace",
			args: []string{"postgres:", " carol", "hr  ", "::1(60000)"},
			want: &Identity{User: "carol", Database: "hr", Origin: "::1"},
		},
		{
			name: "not rewritten yet",
			args: []string{"postgres: checkpointer"},
		},
		{
			name: "three tokens",
			args: []string{"postgres: alice db1"},
		},
		{
			name: "empty",
		},
		{
			name: "postmaster argv accepted when lenient",
			args: []string{"/usr/bin/postgres", "-D", "/data", "-c", "x"},
			want: &Identity{User: "-D", Database: "/data", Origin: "-c"},
		},
		{
			name:   "postmaster argv rejected when strict",
			args:   []string{"/usr/bin/postgres", "-D", "/data", "-c", "x"},
			strict: true,
		},
		{
			name:   "strict accepts rewritten title",
			args:   []string{"postgres: alice db1 1.2.3.4(5678)"},
			strict: true,
			want:   &Identity{User: "alice", Database: "db1", Origin: "1.2.3.4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTitle(tt.args, "postgres", tt.strict)
			assert.Equal(t, tt.want != nil, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStripPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1", stripPort("10.0.0.1(5432)"))
	assert.Equal(t, "[local]", stripPort("[local]"))
	assert.Equal(t, "", stripPort("(1)"))
}
