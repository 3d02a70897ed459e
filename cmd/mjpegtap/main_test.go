package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/zsiec/mjpegtap/internal/distribution"
)

func TestParseStreams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", map[string]string{}},
		{"cam=http://cam/video", map[string]string{"cam": "http://cam/video"}},
		{
			" a = http://a/x?fps=5 , b=srt://b:9000?streamid=feed ",
			map[string]string{"a": "http://a/x?fps=5", "b": "srt://b:9000?streamid=feed"},
		},
		{"noequals,=http://x,k=", map[string]string{}},
	}
	for _, tt := range tests {
		if got := parseStreams(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseStreams(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildStreamDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		info distribution.StreamInfo
		want string
	}{
		{distribution.StreamInfo{Capacity: 30}, "closed · 0/30 buffered"},
		{
			distribution.StreamInfo{Open: true, FrameRate: 12.49, Buffered: 30, Capacity: 30, Viewers: 1},
			"live · 12.5 fps · 30/30 buffered · 1 viewer",
		},
		{
			distribution.StreamInfo{Open: true, Buffered: 3, Capacity: 30, Viewers: 4},
			"live · 3/30 buffered · 4 viewers",
		},
	}
	for _, tt := range tests {
		if got := buildStreamDescription(tt.info); got != tt.want {
			t.Errorf("buildStreamDescription(%+v) = %q, want %q", tt.info, got, tt.want)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("MJPEGTAP_TEST_INT", "42")
	t.Setenv("MJPEGTAP_TEST_BAD_INT", "x")
	t.Setenv("MJPEGTAP_TEST_BOOL", "false")
	t.Setenv("MJPEGTAP_TEST_DUR", "250ms")

	if got := envInt("MJPEGTAP_TEST_INT", 1); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	if got := envInt("MJPEGTAP_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("envInt invalid = %d, want fallback 7", got)
	}
	if got := envInt("MJPEGTAP_TEST_UNSET", 9); got != 9 {
		t.Errorf("envInt unset = %d, want 9", got)
	}
	if got := envBool("MJPEGTAP_TEST_BOOL", true); got {
		t.Error("envBool = true, want false")
	}
	if got := envDuration("MJPEGTAP_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("envDuration = %v, want 250ms", got)
	}
	if got := envOr("MJPEGTAP_TEST_UNSET", "dflt"); got != "dflt" {
		t.Errorf("envOr = %q, want dflt", got)
	}
}
