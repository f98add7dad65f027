package validation

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

func testEngine() *Engine {
	return New(models.ValidationConfig{
		MaxImageBytes:    1024,
		MaxVideoBytes:    4096,
		MaxDocumentBytes: 2048,
		MaxDefaultBytes:  512,
	})
}

func jpegBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return b
}

func hasSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	mp4 := append([]byte{0, 0, 0, 0x18}, []byte("ftypisom")...)
	mp4 = append(mp4, make([]byte, 16)...)
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 8)...)

	tests := []struct {
		name      string
		data      []byte
		filename  string
		mime      string
		ok        bool
		errSub    string
		warnSub   string
		fileType  models.FileType
		wantExecS string
	}{
		{name: "valid jpeg", data: jpegBytes(200), filename: "a.jpg", mime: "image/jpeg", ok: true, fileType: models.FileTypeImage},
		{name: "mime with params", data: []byte("hello"), filename: "a.txt", mime: "text/plain; charset=utf-8", ok: true, fileType: models.FileTypeDocument},
		{name: "container secondary offset", data: mp4, filename: "clip.mp4", mime: "video/mp4", ok: true, fileType: models.FileTypeVideo},
		{name: "riff webp", data: webp, filename: "x.webp", mime: "image/webp", ok: true},
		{name: "riff without webp tag", data: append([]byte("RIFF\x00\x00\x00\x00AVI "), make([]byte, 8)...), filename: "x.webp", mime: "image/webp", errSub: "signature"},
		{name: "renamed file warns", data: jpegBytes(200), filename: "a.png", mime: "image/jpeg", ok: true, warnSub: "does not match"},
		{name: "not whitelisted", data: []byte("<svg/>"), filename: "a.svg", mime: "image/svg+xml", errSub: "not allowed"},
		{name: "signature mismatch", data: []byte("%PDF-1.4 rest"), filename: "a.jpg", mime: "image/jpeg", errSub: "application/pdf"},
		{name: "image too large", data: jpegBytes(2000), filename: "a.jpg", mime: "image/jpeg", errSub: "limit of 1024"},
		{name: "binary text", data: []byte{'a', 0, 'b'}, filename: "a.txt", mime: "text/plain", errSub: "signature"},
		{name: "shebang script", data: []byte("#!/bin/sh\nrm -rf /\n"), filename: "a.txt", mime: "text/plain", errSub: "shebang", wantExecS: "script with shebang"},
		{name: "elf", data: []byte("\x7FELF\x02\x01\x01"), filename: "a.pdf", mime: "application/pdf", errSub: "ELF", wantExecS: "ELF executable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := testEngine().Validate(tt.data, tt.filename, tt.mime)
			if res.OK != tt.ok {
				t.Fatalf("OK = %v, errors = %v", res.OK, res.Errors)
			}
			if tt.errSub != "" && !hasSubstring(res.Errors, tt.errSub) {
				t.Errorf("errors %v do not mention %q", res.Errors, tt.errSub)
			}
			if tt.warnSub != "" && !hasSubstring(res.Warnings, tt.warnSub) {
				t.Errorf("warnings %v do not mention %q", res.Warnings, tt.warnSub)
			}
			if tt.fileType != "" && res.FileType != tt.fileType {
				t.Errorf("FileType = %s, want %s", res.FileType, tt.fileType)
			}
			if res.Executable != tt.wantExecS {
				t.Errorf("Executable = %q, want %q", res.Executable, tt.wantExecS)
			}
		})
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	e := New(models.ValidationConfig{MaxDefaultBytes: 4})
	data := []byte("MZ\x90\x00\x03\x00\x00\x00")
	res := e.Validate(data, "setup.exe", "application/x-unknown-binary")
	if res.OK {
		t.Fatal("expected failure")
	}
	// whitelist, signature, size and executable all fail together.
	if len(res.Errors) != 4 {
		t.Fatalf("errors = %v, want 4", res.Errors)
	}
}

func TestSpoofedExecutableIsThreat(t *testing.T) {
	data := append([]byte("MZ"), bytes.Repeat([]byte{0x90}, 100)...)
	res := testEngine().Validate(data, "cat.jpg", "image/jpeg")
	if res.OK {
		t.Fatal("expected failure")
	}
	err := res.Err("upload")
	if !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("err %v is not ValidationFailed", err)
	}
	if !errors.Is(err, apperr.ErrSecurityThreat) {
		t.Errorf("err %v is not SecurityThreat", err)
	}
	reasons := apperr.ReasonsOf(err)
	if !hasSubstring(reasons, "signature") || !hasSubstring(reasons, "PE/Windows") {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestResultErrNilWhenOK(t *testing.T) {
	res := testEngine().Validate(jpegBytes(10), "a.jpg", "image/jpeg")
	if err := res.Err("upload"); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestDefaultWhitelist(t *testing.T) {
	e := New(models.ValidationConfig{})
	for _, m := range DefaultAllowedMimeTypes {
		if _, ok := e.allowed[m]; !ok {
			t.Errorf("%s missing from default whitelist", m)
		}
	}
}
