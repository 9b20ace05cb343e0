package commsutil

import "testing"

func TestBuildPostSubject(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  string
	}{
		{"basic", "main", "ipc.main.post"},
		{"dotted", "app.main", "ipc.app_main.post"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildPostSubject(tt.label)
			if got != tt.want {
				t.Errorf("BuildPostSubject(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

func TestBuildFrameSubject(t *testing.T) {
	tests := []struct {
		name  string
		label string
		key   string
		want  string
	}{
		{"simple", "main", "abc", "ipc.main.frames.abc"},
		{"wildcards escaped", "main", "a.*>", "ipc.main.frames.a___"},
		{"uuid key", "ipc", "0b6a4c1e-9f5d-4a53-8e8e-3a1d7b2f9c10", "ipc.ipc.frames.0b6a4c1e-9f5d-4a53-8e8e-3a1d7b2f9c10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildFrameSubject(tt.label, tt.key)
			if got != tt.want {
				t.Errorf("BuildFrameSubject(%q, %q) = %q, want %q", tt.label, tt.key, got, tt.want)
			}
		})
	}
}

func TestBuildReadySubject(t *testing.T) {
	if got := BuildReadySubject("main"); got != "ipc.main.ready" {
		t.Errorf("BuildReadySubject() = %q", got)
	}
}
