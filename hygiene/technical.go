package hygiene

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

var (
	ansiEscapePattern  = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	windowsPathPattern = regexp.MustCompile(`[A-Za-z]:\\[^\s"']*`)
	unixPathPattern    = regexp.MustCompile(`/(?:[\w\-.@]+/)+[\w\-.@]+`)
	hexDumpPattern     = regexp.MustCompile(`(?:0x[0-9a-fA-F]{2,}|[0-9A-Fa-f]{2,}(?:\s+[0-9A-Fa-f]{2,}){4,})`)
	controlCharPattern = regexp.MustCompile("[\x00\x07\x0b\x0c]")
	driveLetterPattern = regexp.MustCompile(`[A-Za-z]:`)
)

// ContainsANSICodes reports whether text contains terminal escape sequences.
func ContainsANSICodes(text string) bool {
	return ansiEscapePattern.MatchString(text)
}

// ContainsWindowsPath reports whether text contains a drive-letter path.
func ContainsWindowsPath(text string) bool {
	loc := driveLetterPattern.FindStringIndex(text)
	if loc == nil {
		return false
	}
	idx := loc[1]
	return idx < len(text) && (text[idx] == '\\' || text[idx] == '/')
}

// ContainsUnixPath reports whether text contains a Unix filesystem path.
func ContainsUnixPath(text string) bool {
	if strings.Contains(text, "/usr/") || strings.Contains(text, "/bin/") || strings.Contains(text, "/home/") {
		return true
	}
	return unixPathPattern.MatchString(text)
}

// ContainsHexDump reports whether text contains hex or binary dump sequences.
func ContainsHexDump(text string) bool {
	return hexDumpPattern.MatchString(text)
}

// NormalizeTechnical strips noisy terminal and binary artifacts while
// preserving semantic provenance. Detected ANSI codes, OS paths, hex dumps,
// and HTML fragments are removed or truncated, and a sorted set of bracketed
// annotations ("[Context: Terminal Output]", "[OS: Linux]",
// "[Binary Data Omitted]") is prepended so downstream consumers still know
// what kind of content this was.
func NormalizeTechnical(text string) string {
	if text == "" {
		return ""
	}
	var tags []string
	t := text

	if ContainsANSICodes(t) {
		t = ansiEscapePattern.ReplaceAllString(t, " ")
		tags = append(tags, "[Context: Terminal Output]")
	}
	if ContainsWindowsPath(t) {
		tags = append(tags, "[OS: Windows]")
		t = windowsPathPattern.ReplaceAllStringFunc(t, func(m string) string {
			if len(m) > 70 {
				return m[:60] + "..."
			}
			return m
		})
	}
	if ContainsUnixPath(t) {
		tags = append(tags, "[OS: Linux]")
		t = unixPathPattern.ReplaceAllStringFunc(t, func(m string) string {
			if len(m) > 80 {
				return m[:80] + "..."
			}
			return m
		})
	}
	if ContainsHexDump(t) {
		tags = append(tags, "[Binary Data Omitted]")
		t = hexDumpPattern.ReplaceAllString(t, "[binary_data]")
	}
	if LooksLikeHTML(t) {
		tags = append(tags, "[Context: HTML]")
		t = StripHTMLTags(t)
	}

	t = controlCharPattern.ReplaceAllString(t, " ")
	t = strings.TrimSpace(whitespacePattern.ReplaceAllString(html.UnescapeString(t), " "))

	if len(tags) > 0 {
		sort.Strings(tags)
		t = strings.Join(dedupeStrings(tags), " ") + " " + t
	}
	return t
}

func dedupeStrings(in []string) []string {
	out := in[:0]
	var prev string
	for _, s := range in {
		if s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}
