package upload

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleRunes       = 100
	maxDescriptionRunes = 5000
	maxTagsRunes        = 500
)

// Metadata is the descriptive data sent when a resumable session is opened.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	Visibility  string
	Category    string
}

// NormalizeMetadata applies NFC normalisation and the platform's length
// limits. Tags are trimmed, de-duplicated case-insensitively in first-seen
// order, and dropped once their combined length would pass the cap.
func NormalizeMetadata(meta Metadata) Metadata {
	out := Metadata{
		Title:       truncateRunes(cleanText(meta.Title), maxTitleRunes),
		Description: truncateRunes(norm.NFC.String(strings.TrimSpace(meta.Description)), maxDescriptionRunes),
		Visibility:  strings.ToLower(strings.TrimSpace(meta.Visibility)),
		Category:    strings.TrimSpace(meta.Category),
	}
	seen := make(map[string]struct{}, len(meta.Tags))
	total := 0
	for _, tag := range meta.Tags {
		tag = cleanText(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		length := utf8.RuneCountInString(tag)
		if len(out.Tags) > 0 {
			length++ // separator
		}
		if total+length > maxTagsRunes {
			break
		}
		seen[key] = struct{}{}
		total += length
		out.Tags = append(out.Tags, tag)
	}
	return out
}

// cleanText normalises to NFC and collapses internal whitespace runs.
func cleanText(value string) string {
	return strings.Join(strings.Fields(norm.NFC.String(value)), " ")
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit]))
}
