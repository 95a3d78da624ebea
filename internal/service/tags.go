package service

import "strings"

const (
	MaxTags      = 50
	MaxTagLength = 64
)

// NormalizeTags trims and dedupes tags, dropping empty ones. Commas are
// rejected since sets are stored comma joined.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) > MaxTags {
		return nil, validationErr("too many tags, at most %d are allowed", MaxTags)
	}

	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))

	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}

		if strings.Contains(t, ",") {
			return nil, validationErr("tag %q must not contain commas", t)
		}

		if len(t) > MaxTagLength {
			return nil, validationErr("tag %q is longer than %d characters", t, MaxTagLength)
		}

		if _, ok := seen[t]; ok {
			continue
		}

		seen[t] = struct{}{}
		out = append(out, t)
	}

	return out, nil
}

// SplitList parses a comma joined query value
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
