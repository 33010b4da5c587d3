package srt

import "testing"

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestAccepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		streamID string
		want     bool
	}{
		{name: "no key accepts empty", key: "", streamID: "", want: true},
		{name: "no key accepts anything", key: "", streamID: "live/cam9", want: true},
		{name: "matching key", key: "cam1", streamID: "live/cam1", want: true},
		{name: "matching bare key", key: "cam1", streamID: "cam1", want: true},
		{name: "other key", key: "cam1", streamID: "live/cam2", want: false},
		{name: "empty resolves to default", key: "default", streamID: "", want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewServer(":0", tc.key, nil, nil, 0, nil)
			if got := s.accepts(tc.streamID); got != tc.want {
				t.Errorf("accepts(%q) with key %q = %v, want %v", tc.streamID, tc.key, got, tc.want)
			}
		})
	}
}
