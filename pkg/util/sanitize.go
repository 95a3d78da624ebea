package util

import (
	"path/filepath"
	"strings"
)

const maxStemLength = 100

// SanitizeStem returns the file name without its extension, with every byte
// outside [A-Za-z0-9._-] replaced by an underscore
func SanitizeStem(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}

		if b.Len() >= maxStemLength {
			break
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}

	return out
}

// SafeExt returns the lower-cased extension of name if it only contains
// alphanumerics, otherwise an empty string
func SafeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 16 {
		return ""
	}

	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}

	return ext
}
