package steps

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamim/reelforge/internal/errs"
)

func TestConcatList(t *testing.T) {
	got := concatList([]string{"/tmp/a.png", "/tmp/it's.png"}, 2.5)
	want := "file '/tmp/a.png'\nduration 2.500\n" +
		"file '/tmp/it'\\''s.png'\nduration 2.500\n" +
		"file '/tmp/it'\\''s.png'\n"
	if got != want {
		t.Errorf("concatList =\n%s\nwant\n%s", got, want)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12.345000\n", 12.345, false},
		{"N/A", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if tt.wantErr {
			if !errs.Is(err, errs.KindValidation) {
				t.Errorf("parseDuration(%q) error = %v, want validation", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	r := NewFFmpegRenderer(testLogger())

	withAudio := strings.Join(r.ffmpegArgs("list.txt", "voice.mp3", "out.mp4"), " ")
	for _, want := range []string{"-f concat", "-i voice.mp3", "-c:a aac", "-shortest", "scale=1080:1920", "-r 30"} {
		if !strings.Contains(withAudio, want) {
			t.Errorf("args missing %q: %s", want, withAudio)
		}
	}
	if !strings.HasSuffix(withAudio, "out.mp4") {
		t.Errorf("output must be last: %s", withAudio)
	}

	silent := strings.Join(r.ffmpegArgs("list.txt", "", "out.mp4"), " ")
	if !strings.Contains(silent, "-an") || strings.Contains(silent, "-shortest") {
		t.Errorf("silent args = %s", silent)
	}
}

func TestRenderErrors(t *testing.T) {
	r := NewFFmpegRenderer(testLogger())

	if _, err := r.Render(context.Background(), RenderRequest{}); !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation error without images, got %v", err)
	}

	_, err := r.Render(context.Background(), RenderRequest{
		Images:     []string{"a.png"},
		AudioPath:  filepath.Join(t.TempDir(), "missing.mp3"),
		OutputPath: filepath.Join(t.TempDir(), "video.mp4"),
	})
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation error for missing audio, got %v", err)
	}

	r.FFmpeg = "reelforge-no-such-binary"
	_, err = r.Render(context.Background(), RenderRequest{
		Images:        []string{"a.png"},
		FrameDuration: 1,
		OutputPath:    filepath.Join(t.TempDir(), "video.mp4"),
	})
	if !errs.Is(err, errs.KindFatal) {
		t.Errorf("expected fatal error for missing binary, got %v", err)
	}
}
