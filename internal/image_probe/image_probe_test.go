package image_probe

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

var vipsReady bool

func TestMain(m *testing.M) {
	vipsReady = startVips()
	code := m.Run()
	if vipsReady {
		vips.Shutdown()
	}
	os.Exit(code)
}

func startVips() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	vips.Startup(nil)
	return true
}

// 1x1 RGB PNG.
const tinyPNGHex = "89504e470d0a1a0a0000000d4948445200000001000000010802000000907753de" +
	"0000000c49444154789c635875f93e000487025d2f7f7d310000000049454e44ae426082"

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	data, err := hex.DecodeString(tinyPNGHex)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return data
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), "png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, "jpeg"},
		{"webp", []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), "webp"},
		{"html error page", []byte("<!DOCTYPE html><html><body>Access blocked</body></html>"), ""},
		{"json error", []byte(`{"error":"rate limited"}`), ""},
		{"empty", nil, ""},
		{"short riff", []byte("RIFF\x24\x00\x00\x00WEB"), ""},
		{"riff wave", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectFormat(tt.data); got != tt.want {
				t.Fatalf("detectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateRejectsNonImage(t *testing.T) {
	p := New(zap.NewNop())
	for _, body := range []string{"", "<html>Too Many Requests</html>"} {
		if err := p.Validate([]byte(body)); err == nil {
			t.Errorf("Validate(%q) should fail", body)
		}
	}
}

func TestDecodeTinyPNG(t *testing.T) {
	if !vipsReady {
		t.Skip("libvips could not be started")
	}
	p := New(zap.NewNop())

	info, err := p.Probe(tinyPNG(t))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Format != "png" || info.Width != 1 || info.Height != 1 {
		t.Fatalf("Probe() = %+v", info)
	}
	if err := p.Validate(tinyPNG(t)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestDecodeTruncatedPNG(t *testing.T) {
	if !vipsReady {
		t.Skip("libvips could not be started")
	}
	p := New(zap.NewNop())

	truncated := tinyPNG(t)[:20]
	if _, err := p.Probe(truncated); err == nil {
		t.Fatal("Probe() should fail on a truncated PNG")
	}
}
