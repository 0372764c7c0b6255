package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMarkers(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []map[string]any
		skipped int
	}{
		{
			name: "blocks keep order",
			body: "10:00:01.0 (1)|USER_DEBUG|[3]|DEBUG|<ANALYTICS>[ {\"a\":1} ]</ANALYTICS>\n" +
				"10:00:02.0 (2)|USER_DEBUG|[9]|DEBUG|<ANALYTICS>[ {\"a\":2},{\"a\":3} ]</ANALYTICS>\n",
			want: []map[string]any{{"a": float64(1)}, {"a": float64(2)}, {"a": float64(3)}},
		},
		{
			name: "no markers",
			body: "10:00:01.0 (1)|EXECUTION_STARTED\n10:00:01.1 (2)|EXECUTION_FINISHED\n",
			want: []map[string]any{},
		},
		{
			name: "empty body",
			body: "",
			want: []map[string]any{},
		},
		{
			name: "case insensitive and multiline",
			body: "<analytics>[\n  {\"name\": \"query\", \"ms\": 12}\n]</Analytics>",
			want: []map[string]any{{"name": "query", "ms": float64(12)}},
		},
		{
			name: "two blocks on one line are not merged",
			body: `<ANALYTICS>[{"a":1}]</ANALYTICS> noise <ANALYTICS>[{"b":2}]</ANALYTICS>`,
			want: []map[string]any{{"a": float64(1)}, {"b": float64(2)}},
		},
		{
			name:    "malformed block is skipped",
			body:    `<ANALYTICS>[{"a":1}]</ANALYTICS><ANALYTICS>[{"a":</ANALYTICS><ANALYTICS>[{"a":3}]</ANALYTICS>`,
			want:    []map[string]any{{"a": float64(1)}, {"a": float64(3)}},
			skipped: 1,
		},
		{
			name:    "non array payload is skipped",
			body:    `<ANALYTICS>{"a":1}</ANALYTICS>`,
			want:    []map[string]any{},
			skipped: 1,
		},
		{
			name: "non object elements do not discard their siblings",
			body: `<ANALYTICS>[{"a":1},"x",null,7]</ANALYTICS><ANALYTICS>[{"a":2}]</ANALYTICS>`,
			want: []map[string]any{{"a": float64(1)}, {"a": float64(2)}},
		},
		{
			name: "unterminated block is ignored",
			body: `<ANALYTICS>[{"a":1}]`,
			want: []map[string]any{},
		},
		{
			name: "empty array",
			body: `<ANALYTICS>[]</ANALYTICS>`,
			want: []map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, skipped := ParseMarkers(tt.body)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.skipped, skipped)
		})
	}
}

func TestParseMarkersIdempotent(t *testing.T) {
	body := `<ANALYTICS>[{"a":1},{"a":2}]</ANALYTICS>`
	first, _ := ParseMarkers(body)
	second, _ := ParseMarkers(body)
	require.Equal(t, first, second)
}
