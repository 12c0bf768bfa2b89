package harvest

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultExt  = ".pdf"
	maxBaseRune = 100
)

// FileName builds the deterministic resume file name
// "<sanitized display name>_<file id><ext>". The candidate id stands in when
// the platform exposes no file id; the extension comes from the platform's
// file name and defaults to .pdf.
func FileName(displayName, fileID, candidateID, platformName string) string {
	base := Sanitize(displayName)
	if base == "" {
		base = "candidate"
	}
	id := Sanitize(fileID)
	if id == "" {
		id = Sanitize(candidateID)
	}
	if id == "" {
		return base + extension(platformName)
	}
	return base + "_" + id + extension(platformName)
}

// Sanitize folds diacritics and replaces characters that are unsafe in file
// names. Runs of replacements collapse to a single underscore.
func Sanitize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	lastUnderscore := false
	n := 0
	for _, r := range folded {
		if n >= maxBaseRune {
			break
		}
		if unsafeRune(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
		n++
	}
	return strings.Trim(b.String(), " ._")
}

func unsafeRune(r rune) bool {
	if unicode.IsControl(r) || unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune(`<>:"/\|?*`, r)
}

func extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return defaultExt
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return defaultExt
		}
	}
	return ext
}
