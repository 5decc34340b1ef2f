package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: "[]"},
		{name: "single", in: `{"id":"a"}`, want: `[{"id":"a"}]`},
		{name: "trailing newline", in: "{\"id\":\"a\"}\n{\"id\":\"b\"}\n", want: `[{"id":"a"},{"id":"b"}]`},
		{name: "blank lines dropped", in: "\n{\"id\":\"a\"}\n\n\n{\"id\":\"b\"}\n\n", want: `[{"id":"a"},{"id":"b"}]`},
		{name: "crlf", in: "{\"id\":\"a\"}\r\n{\"id\":\"b\"}\r\n", want: `[{"id":"a"},{"id":"b"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JoinLines(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, json.Valid([]byte(got)))
		})
	}
}
