package model

import (
	"errors"
	"testing"
)

func TestExtractSourceID(t *testing.T) {
	const id = "dQw4w9WgXcQ"

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare id", id, id, false},
		{"watch url", "https://www.youtube.com/watch?v=" + id, id, false},
		{"watch url with extra params", "https://youtube.com/watch?v=" + id + "&t=42s&list=PL1", id, false},
		{"share url", "https://youtu.be/" + id + "?si=abc", id, false},
		{"embed url", "https://www.youtube.com/embed/" + id, id, false},
		{"legacy v url", "http://youtube.com/v/" + id, id, false},
		{"shorts url", "https://youtube.com/shorts/" + id, id, false},
		{"music url", "https://music.youtube.com/watch?v=" + id, id, false},
		{"mobile url without scheme", "m.youtube.com/watch?v=" + id, id, false},
		{"empty", "", "", true},
		{"other host", "https://vimeo.com/" + id, "", true},
		{"short id", "https://youtu.be/abc", "", true},
		{"watch without v", "https://youtube.com/watch?x=1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractSourceID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractSourceID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
			if got != tt.want {
				t.Errorf("ExtractSourceID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFingerprint(t *testing.T) {
	fp, err := ParseFingerprint("https://youtu.be/dQw4w9WgXcQ", "720p")
	if err != nil {
		t.Fatalf("ParseFingerprint() error = %v", err)
	}
	if fp.Key() != "dQw4w9WgXcQ:720" {
		t.Errorf("Key() = %q, want %q", fp.Key(), "dQw4w9WgXcQ:720")
	}

	again, _ := ParseFingerprint("https://www.youtube.com/watch?v=dQw4w9WgXcQ", "720")
	if again != fp {
		t.Errorf("fingerprints differ for equivalent input: %v vs %v", again, fp)
	}

	if _, err := ParseFingerprint("dQw4w9WgXcQ", "8k"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid quality error = %v, want ErrInvalidInput", err)
	}
}
