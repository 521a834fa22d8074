package hygiene

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Token-shape classifiers for corruption detection. Each operates on a single
// whitespace-separated token.
var (
	codeCharPattern  = regexp.MustCompile(`[(){}\[\]<>;=:\\|/@#%$]`)
	hexPrefixToken   = regexp.MustCompile(`^0x[0-9a-fA-F]{8,}$`)
	hexBareToken     = regexp.MustCompile(`^[A-Fa-f0-9]{16,}$`)
	digitPattern     = regexp.MustCompile(`[0-9]`)
	letterPattern    = regexp.MustCompile(`[A-Za-z]`)
	vowelPattern     = regexp.MustCompile(`[aeiouAEIOU]`)
	alphaOnlyToken   = regexp.MustCompile(`^[A-Za-z]+$`)
	punctRunPattern  = regexp.MustCompile(`[^\w\s]{6,}`)
	tokenPattern     = regexp.MustCompile(`\S+`)
	fencedCodeBlock  = regexp.MustCompile("(?s)```.*?```")
	callShapePattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\([^)]*\)`)
	longHexPrefix    = regexp.MustCompile(`0x[0-9a-fA-F]{6,}`)
	longHexBare      = regexp.MustCompile(`\b[A-Fa-f0-9]{16,}\b`)
	angleBarRun      = regexp.MustCompile(`[<>|\\]+`)
	soupPunctuation  = regexp.MustCompile(`[^\w\s.,;:\-'"()]+`)
)

const (
	tokenSoupMinLength = 40
	tokenSoupMinTokens = 3
	sanitizedMaxLength = 500
)

// IsTokenSoup heuristically detects corrupted or garbled text by looking at
// token-shape ratios: code-delimiter characters, hex-like and vowel-less
// strings, single-character tokens, and long punctuation runs. The thresholds
// are conservative so ordinary prose is not flagged.
func IsTokenSoup(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" || len(s) < tokenSoupMinLength {
		return false
	}
	tokens := tokenPattern.FindAllString(s, -1)
	if len(tokens) < tokenSoupMinTokens {
		return false
	}

	total := float64(len(tokens))
	var codeLike, hexLike, oneLetter, noVowel, alphaLike, longToken float64
	for _, tok := range tokens {
		if len(tok) == 1 {
			oneLetter++
		}
		if codeCharPattern.MatchString(tok) {
			codeLike++
		}
		if hexPrefixToken.MatchString(tok) || hexBareToken.MatchString(tok) {
			hexLike++
		} else if len(tok) >= 8 && digitPattern.MatchString(tok) && !letterPattern.MatchString(tok) {
			hexLike++
		}
		if len(tok) >= 6 && !vowelPattern.MatchString(tok) {
			noVowel++
		}
		if alphaOnlyToken.MatchString(tok) {
			alphaLike++
		}
		if len(tok) > 30 {
			longToken++
		}
	}

	if codeLike/total > 0.25 || hexLike/total > 0.05 || oneLetter/total > 0.25 {
		return true
	}
	if alphaLike/total < 0.25 && (noVowel/total > 0.2 || longToken/total > 0.05) {
		return true
	}
	return punctRunPattern.MatchString(s)
}

// SanitizeTokenSoup performs best-effort cleanup of corrupted text: fenced
// code blocks, call-expression shapes, and long hex runs are removed, JSON
// containers unwrapped, and punctuation collapsed. Output is hard-capped so a
// corrupted blob can never dominate downstream prompts.
func SanitizeTokenSoup(text string) string {
	if text == "" {
		return ""
	}
	t := fencedCodeBlock.ReplaceAllString(text, " ")
	t = callShapePattern.ReplaceAllString(t, " ")
	t = longHexPrefix.ReplaceAllString(t, " ")
	t = longHexBare.ReplaceAllString(t, " ")

	trimmed := strings.TrimSpace(t)
	if len(t) > 200 && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		t = ExtractTextFromJSON(t)
	}

	t = angleBarRun.ReplaceAllString(t, " ")
	t = soupPunctuation.ReplaceAllString(t, " ")
	t = strings.TrimSpace(whitespacePattern.ReplaceAllString(t, " "))
	if len(t) > sanitizedMaxLength {
		cut := sanitizedMaxLength
		for cut > 0 && !utf8.RuneStart(t[cut]) {
			cut--
		}
		t = t[:cut] + "..."
	}
	return t
}
