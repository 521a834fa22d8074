// Package hygiene decides whether raw text is safe and valuable enough to
// persist as memory, and normalizes it before storage.
//
// The pipeline has three concerns:
//   - Structural filtering: JSON dumps and HTML fragments are rejected unless
//     they carry a technical signal worth preserving.
//   - Technical normalization: terminal output, file paths, and binary dumps
//     are stripped down and replaced with bracketed annotations so downstream
//     consumers keep the provenance without the noise.
//   - Corruption detection: garbled "token soup" text is flagged and
//     best-effort sanitized (see tokensoup.go).
package hygiene

import (
	"encoding/json"
	"html"
	"regexp"
	"sort"
	"strings"
)

var (
	jsonLikePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\{\s*".*"\s*:\s*`),
		regexp.MustCompile(`\[\s*\{`),
		regexp.MustCompile(`"response_content"`),
		regexp.MustCompile(`"timestamp"`),
	}

	htmlLikePatterns = []*regexp.Regexp{
		regexp.MustCompile(`<\s*/?\w+[^>]*>`),
		regexp.MustCompile(`<a\s+href=`),
		regexp.MustCompile(`<script\b`),
		regexp.MustCompile(`<div\b`),
		regexp.MustCompile(`<p\b`),
	}

	emojiPattern = regexp.MustCompile(`[\x{1F300}-\x{1F6FF}\x{1F900}-\x{1F9FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{24C2}-\x{1F251}]`)

	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	// Punctuation whitelist for cleaned prose. Everything else collapses to a
	// space so stray markup characters don't survive into storage. The
	// technical variant additionally keeps square brackets so annotation
	// tokens like [Context: Terminal Output] survive cleaning.
	punctuationPattern     = regexp.MustCompile(`[^\w\s.,;:\-'"@#%()?/\\]+`)
	punctuationPatternTech = regexp.MustCompile(`[^\w\s.,;:\-'"@#%()\[\]?/\\]+`)
)

// technicalKeywords mark log-like or shell-like content that should be
// preserved even when it would otherwise fail the structural filters.
var technicalKeywords = []string{
	"error", "exception", "traceback", "sudo", "apt-get", "npm", "pip",
	"docker", "cargo", "journal", "systemd", "kernel", "trace", "failed",
	"stacktrace",
}

var (
	versionPattern     = regexp.MustCompile(`v\d+\.\d+(?:\.\d+)?`)
	unixPathHint       = regexp.MustCompile(`/\w+/\w+`)
	windowsDriveHint   = regexp.MustCompile(`[A-Za-z]:\\`)
	errorMarkerPattern = regexp.MustCompile(`\b(error|exception|traceback|failed)\b`)
	shellPromptPattern = regexp.MustCompile(`(^|\s)[$#] `)
)

// LooksLikeJSON reports whether text is structurally JSON-shaped.
func LooksLikeJSON(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range jsonLikePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// LooksLikeHTML reports whether text is structurally HTML-shaped.
func LooksLikeHTML(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range htmlLikePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// HasTechnicalSignal detects shell, log, path, and version markers. Content
// with a technical signal is preserved even when otherwise noisy.
func HasTechnicalSignal(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range []string{"sudo", "apt-get", "npm ", "pip ", "docker ", "cargo "} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if versionPattern.MatchString(text) {
		return true
	}
	if unixPathHint.MatchString(text) || windowsDriveHint.MatchString(text) {
		return true
	}
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if errorMarkerPattern.MatchString(lower) {
		return true
	}
	return shellPromptPattern.MatchString(text)
}

// StripHTMLTags replaces HTML tags with spaces.
func StripHTMLTags(text string) string {
	return htmlTagPattern.ReplaceAllString(text, " ")
}

// StripEmojis removes emoji codepoints.
func StripEmojis(text string) string {
	return emojiPattern.ReplaceAllString(text, "")
}

// ExtractTextFromJSON unwraps a JSON envelope to its textual payload. Objects
// are searched for well-known payload keys first; arrays are flattened. Input
// that fails to parse is returned unchanged.
func ExtractTextFromJSON(content string) string {
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return content
	}
	switch v := parsed.(type) {
	case map[string]any:
		for _, key := range []string{"response_content", "content", "text", "message", "response"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
		// No payload key: join the string values in key order so the result
		// is deterministic.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var values []string
		for _, k := range keys {
			if s, ok := v[k].(string); ok {
				values = append(values, s)
			}
		}
		return strings.Join(values, " ")
	case []any:
		var texts []string
		for _, el := range v {
			switch item := el.(type) {
			case map[string]any:
				for _, key := range []string{"response_content", "content", "text"} {
					if s, ok := item[key].(string); ok {
						texts = append(texts, s)
						break
					}
				}
			case string:
				texts = append(texts, item)
			}
		}
		return strings.Join(texts, " ")
	}
	return content
}

// Options controls Clean behavior.
type Options struct {
	// StripEmojis removes emoji codepoints from the cleaned text.
	StripEmojis bool

	// StripNonASCII drops every codepoint above 127.
	StripNonASCII bool

	// AnnotateTechnical runs NormalizeTechnical before cleaning, so terminal
	// output and paths are annotated rather than mangled.
	AnnotateTechnical bool
}

// Clean normalizes raw text for persistence: unwraps JSON envelopes, strips
// HTML, unescapes entities, and collapses whitespace and disallowed
// punctuation.
func Clean(text string, opts Options) string {
	if text == "" {
		return ""
	}
	t := strings.TrimSpace(text)
	if opts.AnnotateTechnical {
		t = NormalizeTechnical(t)
	}
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") || strings.Contains(t, `"response_content"`) {
		if extracted := ExtractTextFromJSON(t); extracted != "" {
			t = extracted
		}
	}
	t = StripHTMLTags(t)
	t = html.UnescapeString(t)
	if opts.StripEmojis {
		t = StripEmojis(t)
	}
	if opts.StripNonASCII {
		var b strings.Builder
		b.Grow(len(t))
		for _, r := range t {
			if r < 128 {
				b.WriteRune(r)
			}
		}
		t = b.String()
	}
	if opts.AnnotateTechnical {
		t = punctuationPatternTech.ReplaceAllString(t, " ")
	} else {
		t = punctuationPattern.ReplaceAllString(t, " ")
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(t, " "))
}
