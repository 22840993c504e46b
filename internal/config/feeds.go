package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseFeedList normalizes the feed list formats accepted from the
// environment into {name, url} entries:
//
//	[{"name":"Work","url":"https://..."}]        JSON array
//	{"name":"Work","url":"https://..."}          single JSON object
//	"[{\"name\":\"Work\",\"url\":\"https://...\"}]"  quoted, escaped JSON
//	Feeds=[{"name":"Work","url":"https://..."}]  label prefix before JSON
//	Work=https://...;Home=https://...           delimited (";" or ",")
//
// Malformed entries are rejected individually. A document that looks like
// JSON but does not decode is rejected as a whole.
func ParseFeedList(raw string) ([]FeedEntry, []error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	var lastErr error
	for _, candidate := range jsonCandidates(s) {
		elems, err := decodeJSONList(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		return decodeElements(elems)
	}

	if looksLikeJSON(s) {
		return nil, []error{&ConfigurationError{Field: "feeds", Reason: "malformed JSON feed list", Err: lastErr}}
	}
	return validateEntries(splitDelimited(s))
}

// jsonCandidates returns the ways s could hold a JSON document, most
// specific first.
func jsonCandidates(s string) []string {
	var out []string
	if label, rest, ok := strings.Cut(s, "="); ok && !strings.ContainsAny(label, `[{"':/`) {
		rest = unquote(strings.TrimSpace(rest))
		if strings.HasPrefix(rest, "[") || strings.HasPrefix(rest, "{") {
			out = append(out, unescape(rest))
		}
	}
	out = append(out, unescape(unquote(s)))
	return out
}

func looksLikeJSON(s string) bool {
	for _, c := range jsonCandidates(s) {
		if strings.HasPrefix(c, "[") || strings.HasPrefix(c, "{") {
			return true
		}
	}
	return strings.Contains(s, `"url"`) || strings.Contains(s, `"name"`)
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(s)
}

func decodeJSONList(s string) ([]json.RawMessage, error) {
	switch {
	case strings.HasPrefix(s, "["):
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(s), &elems); err != nil {
			return nil, err
		}
		return elems, nil
	case strings.HasPrefix(s, "{"):
		var one json.RawMessage
		if err := json.Unmarshal([]byte(s), &one); err != nil {
			return nil, err
		}
		return []json.RawMessage{one}, nil
	default:
		return nil, fmt.Errorf("not a JSON array or object")
	}
}

func decodeElements(elems []json.RawMessage) ([]FeedEntry, []error) {
	entries := make([]FeedEntry, 0, len(elems))
	var errs []error
	for i, raw := range elems {
		var e FeedEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			errs = append(errs, &ConfigurationError{Field: fmt.Sprintf("feeds[%d]", i), Reason: "entry is not a {name, url} object", Err: err})
			// Keep indices aligned with the source list.
			entries = append(entries, FeedEntry{})
			continue
		}
		entries = append(entries, e)
	}

	valid, verrs := validateEntries(entries)
	if len(errs) == 0 {
		return valid, verrs
	}
	// Drop validation noise for entries that already failed to decode.
	bad := make(map[string]bool, len(errs))
	for _, err := range errs {
		bad[err.(*ConfigurationError).Field] = true
	}
	for _, err := range verrs {
		if ce, ok := err.(*ConfigurationError); ok && bad[ce.Field] {
			continue
		}
		errs = append(errs, err)
	}
	return valid, errs
}

func splitDelimited(s string) []FeedEntry {
	delim := ","
	if strings.Contains(s, ";") {
		delim = ";"
	}
	var entries []FeedEntry
	for part := range strings.SplitSeq(s, delim) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok || strings.Contains(name, "://") {
			entries = append(entries, FeedEntry{URL: part})
			continue
		}
		entries = append(entries, FeedEntry{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return entries
}
