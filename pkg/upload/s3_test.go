package upload

import (
	"testing"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		baseName string
		want     string
	}{
		{
			name:     "default prefix",
			prefix:   "",
			baseName: "1769791126_8cec1fab",
			want:     "pipeloor/runs/1769791126_8cec1fab",
		},
		{
			name:     "custom prefix",
			prefix:   "my-team/pipelines",
			baseName: "run123",
			want:     "my-team/pipelines/run123",
		},
		{
			name:     "trailing slash stripped",
			prefix:   "my-prefix/",
			baseName: "run123",
			want:     "my-prefix/run123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3Config{Prefix: tt.prefix},
			}
			got := u.resolvePrefix(tt.baseName)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"results/summary.json", "application/json"},
		{"results/stage-output", "application/octet-stream"},
		{"results/chart.png", "image/png"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, detectContentType(tt.path))
	}
}
