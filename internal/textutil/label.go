package textutil

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	separatorPattern = regexp.MustCompile(`[._\-\s]+`)
	titleCaser       = cases.Title(language.English)
)

// LabelFromRef turns a storage reference such as "s3://inbox/q3_report.pdf"
// into a display label like "Q3 Report". Returns "" when the reference yields
// nothing usable.
func LabelFromRef(ref string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	base := path.Base(strings.TrimRight(trimmed, "/"))
	if base == "." || base == "/" {
		return ""
	}
	if ext := path.Ext(base); ext != "" && len(ext) <= 6 {
		base = strings.TrimSuffix(base, ext)
	}
	words := separatorPattern.ReplaceAllString(base, " ")
	words = strings.TrimSpace(words)
	if words == "" {
		return ""
	}
	return titleCaser.String(words)
}

var controlPattern = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// SanitizeLabel trims and removes control characters from a label.
func SanitizeLabel(label string) string {
	return strings.TrimSpace(controlPattern.ReplaceAllString(label, ""))
}
