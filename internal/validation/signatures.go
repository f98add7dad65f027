package validation

import "bytes"

// signature is a byte pattern expected at a fixed offset. A format matches
// when every part of one of its signatures matches.
type part struct {
	offset int
	bytes  []byte
}

type signature []part

func sig(parts ...part) signature { return parts }

func at(offset int, b string) part { return part{offset: offset, bytes: []byte(b)} }

func (s signature) match(data []byte) bool {
	for _, p := range s {
		end := p.offset + len(p.bytes)
		if end > len(data) || !bytes.Equal(data[p.offset:end], p.bytes) {
			return false
		}
	}
	return true
}

var mp4Brands = []string{"isom", "iso2", "iso4", "iso5", "iso6", "mp41", "mp42", "avc1", "M4V ", "M4A ", "dash", "3gp4", "3gp5", "MSNV"}

func ftyp(brands ...string) []signature {
	out := make([]signature, 0, len(brands))
	for _, b := range brands {
		out = append(out, sig(at(4, "ftyp"), at(8, b)))
	}
	return out
}

// signatures lists known leading bytes per MIME type. Container formats add
// a secondary check at a later offset.
var signatures = map[string][]signature{
	"image/jpeg": {sig(at(0, "\xFF\xD8\xFF"))},
	"image/png":  {sig(at(0, "\x89PNG\r\n\x1A\n"))},
	"image/gif":  {sig(at(0, "GIF87a")), sig(at(0, "GIF89a"))},
	"image/webp": {sig(at(0, "RIFF"), at(8, "WEBP"))},
	"image/bmp":  {sig(at(0, "BM"))},
	"image/tiff": {sig(at(0, "II*\x00")), sig(at(0, "MM\x00*"))},
	"image/heic": ftyp("heic", "heix", "hevc", "mif1", "msf1"),

	"video/mp4":       ftyp(mp4Brands...),
	"video/quicktime": append(ftyp("qt  "), sig(at(4, "moov")), sig(at(4, "mdat")), sig(at(4, "wide"))),
	"video/webm":      {sig(at(0, "\x1A\x45\xDF\xA3"))},
	"video/x-msvideo": {sig(at(0, "RIFF"), at(8, "AVI "))},
	"video/mpeg":      {sig(at(0, "\x00\x00\x01\xBA")), sig(at(0, "\x00\x00\x01\xB3"))},

	"application/pdf":    {sig(at(0, "%PDF-"))},
	"application/msword": {sig(at(0, "\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1"))},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {sig(at(0, "PK\x03\x04"))},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {sig(at(0, "PK\x03\x04"))},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {sig(at(0, "PK\x03\x04"))},
}

// executables are rejected whatever type is claimed.
var executables = []struct {
	name string
	sig  signature
}{
	{"PE/Windows executable", sig(at(0, "MZ"))},
	{"ELF executable", sig(at(0, "\x7FELF"))},
	{"Mach-O executable", sig(at(0, "\xFE\xED\xFA\xCE"))},
	{"Mach-O executable", sig(at(0, "\xFE\xED\xFA\xCF"))},
	{"Mach-O executable", sig(at(0, "\xCE\xFA\xED\xFE"))},
	{"Mach-O executable", sig(at(0, "\xCF\xFA\xED\xFE"))},
	{"Mach-O universal binary", sig(at(0, "\xCA\xFE\xBA\xBE"))},
	{"script with shebang", sig(at(0, "#!"))},
}

// extensions maps a lowercase extension to the MIME types it may carry.
var extensions = map[string][]string{
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".bmp":  {"image/bmp"},
	".tif":  {"image/tiff"},
	".tiff": {"image/tiff"},
	".heic": {"image/heic"},
	".heif": {"image/heic"},
	".mp4":  {"video/mp4"},
	".m4v":  {"video/mp4"},
	".mov":  {"video/quicktime"},
	".webm": {"video/webm"},
	".avi":  {"video/x-msvideo"},
	".mpg":  {"video/mpeg"},
	".mpeg": {"video/mpeg"},
	".pdf":  {"application/pdf"},
	".doc":  {"application/msword"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	".txt":  {"text/plain"},
	".csv":  {"text/csv", "text/plain"},
}

// DefaultAllowedMimeTypes is the whitelist used when none is configured.
var DefaultAllowedMimeTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/heic",
	"video/mp4", "video/quicktime", "video/webm", "video/x-msvideo",
	"application/pdf", "application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
}
