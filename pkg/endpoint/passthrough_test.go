package endpoint

import (
	"reflect"
	"testing"
)

func TestNormalizeModelNames(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "flat string array",
			body: `["sdxl", "flux-dev"]`,
			want: []string{"sdxl", "flux-dev"},
		},
		{
			name: "wrapped models key",
			body: `{"models": ["sdxl", "flux-dev"]}`,
			want: []string{"sdxl", "flux-dev"},
		},
		{
			name: "wrapped models of objects",
			body: `{"models": [{"name": "sdxl"}, {"name": "flux-dev"}]}`,
			want: []string{"sdxl", "flux-dev"},
		},
		{
			name: "bare array of objects",
			body: `[{"name": "sdxl"}, {"name": "flux-dev"}]`,
			want: []string{"sdxl", "flux-dev"},
		},
		{
			name: "empty models key",
			body: `{"models": []}`,
			want: []string{},
		},
		{
			name: "unrecognized shape",
			body: `{"status": "ok"}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeModelNames([]byte(tt.body))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("normalizeModelNames(%q) = %#v, want %#v", tt.body, got, tt.want)
			}
		})
	}
}
