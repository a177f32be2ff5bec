package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"peerdrop/config"
	"peerdrop/storage"
)

func TestReceiveProviderHonorsConfig(t *testing.T) {
	base := t.TempDir()
	downloads := filepath.Join(base, "downloads")

	cases := []struct {
		name    string
		buffer  bool
		stream  bool
		dir     string
		wantDir string
	}{
		{name: "buffer flag forces assembly", buffer: true, stream: true},
		{name: "config disables streaming", stream: false},
		{name: "defaults to downloads dir", stream: true, wantDir: downloads},
		{name: "explicit dir override", stream: true, dir: filepath.Join(base, "elsewhere"), wantDir: filepath.Join(base, "elsewhere")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.DeviceConfig{DownloadsDir: downloads, StreamToDisk: tc.stream}
			provider, err := receiveProvider(cfg, tc.buffer, tc.dir)
			if err != nil {
				t.Fatalf("receiveProvider failed: %v", err)
			}
			if tc.wantDir == "" {
				if provider != nil {
					t.Fatalf("provider = %+v, want in-memory assembly", provider)
				}
				return
			}
			dp, ok := provider.(storage.DirProvider)
			if !ok || dp.Dir != tc.wantDir {
				t.Fatalf("provider = %+v, want directory %q", provider, tc.wantDir)
			}
			if _, err := os.Stat(tc.wantDir); err != nil {
				t.Fatalf("target directory not created: %v", err)
			}
		})
	}
}
