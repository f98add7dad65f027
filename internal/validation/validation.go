// Package validation checks uploaded bytes against the MIME whitelist, their
// claimed type's file signature, per-category size ceilings and a deny-list of
// executable headers. Every check runs; failures accumulate.
package validation

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// Result is the outcome of one validation pass. OK is true iff Errors is
// empty; warnings never block.
type Result struct {
	OK           bool            `json:"ok"`
	Errors       []string        `json:"errors,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	DetectedMime string          `json:"detected_mime,omitempty"`
	FileType     models.FileType `json:"file_type"`
	// Executable names the executable format found, if any.
	Executable string `json:"executable,omitempty"`
}

type Engine struct {
	allowed map[string]struct{}
	limits  map[models.FileType]int64
	deflt   int64
}

func New(cfg models.ValidationConfig) *Engine {
	allowed := cfg.AllowedMimeTypes
	if len(allowed) == 0 {
		allowed = DefaultAllowedMimeTypes
	}
	e := &Engine{
		allowed: make(map[string]struct{}, len(allowed)),
		limits: map[models.FileType]int64{
			models.FileTypeImage:    cfg.MaxImageBytes,
			models.FileTypeVideo:    cfg.MaxVideoBytes,
			models.FileTypeDocument: cfg.MaxDocumentBytes,
		},
		deflt: cfg.MaxDefaultBytes,
	}
	for _, m := range allowed {
		e.allowed[normalize(m)] = struct{}{}
	}
	return e
}

func normalize(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Validate runs every check against data.
func (e *Engine) Validate(data []byte, filename, claimedMime string) *Result {
	claimed := normalize(claimedMime)
	res := &Result{FileType: models.FileTypeOf(claimed)}

	if _, ok := e.allowed[claimed]; !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("mime type %q is not allowed", claimedMime))
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if want, ok := extensions[ext]; ok {
		if !contains(want, claimed) {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("extension %q does not match mime type %q", ext, claimed))
		}
	} else if ext == "" {
		res.Warnings = append(res.Warnings, "file name has no extension")
	} else {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unrecognised extension %q", ext))
	}

	res.DetectedMime = detect(data)
	if !matchesSignature(claimed, data) {
		msg := fmt.Sprintf("content does not match the signature of %q", claimed)
		if res.DetectedMime != "" && res.DetectedMime != claimed {
			msg += fmt.Sprintf(" (detected %q)", res.DetectedMime)
		}
		res.Errors = append(res.Errors, msg)
	}

	limit := e.deflt
	if l, ok := e.limits[res.FileType]; ok && l > 0 {
		limit = l
	}
	if limit > 0 && int64(len(data)) > limit {
		res.Errors = append(res.Errors,
			fmt.Sprintf("size %d bytes exceeds the %s limit of %d bytes", len(data), res.FileType, limit))
	}

	for _, x := range executables {
		if x.sig.match(data) {
			res.Executable = x.name
			res.Errors = append(res.Errors, fmt.Sprintf("content is a %s", x.name))
			break
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

// Err converts a failed result into an apperr error. Executable content is
// reported as a security threat wrapping the validation failure, so both
// kinds match with errors.Is.
func (r *Result) Err(op string) error {
	if r.OK {
		return nil
	}
	verr := apperr.New(apperr.KindValidationFailed, op, r.Errors...)
	if r.Executable != "" {
		return &apperr.Error{
			Kind:    apperr.KindSecurityThreat,
			Op:      op,
			Reasons: []string{"executable content: " + r.Executable},
			Err:     verr,
		}
	}
	return verr
}

func matchesSignature(claimed string, data []byte) bool {
	if sigs, ok := signatures[claimed]; ok {
		for _, s := range sigs {
			if s.match(data) {
				return true
			}
		}
		return false
	}
	if strings.HasPrefix(claimed, "text/") {
		return isText(data)
	}
	// No known signature: fall back to content detection.
	return mimetype.Detect(data).Is(claimed)
}

func isText(data []byte) bool {
	head := data
	if len(head) > 4096 {
		head = head[:4096]
		// A multi-byte rune may be cut at the boundary.
		for i := 0; i < utf8.UTFMax-1 && !utf8.Valid(head); i++ {
			head = head[:len(head)-1]
		}
	}
	return utf8.Valid(head) && !bytes.ContainsRune(head, 0)
}

func detect(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return normalize(mimetype.Detect(data).String())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
