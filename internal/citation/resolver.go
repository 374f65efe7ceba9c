// Package citation binds free-text numbered citation markers to source
// URLs and to the exact claim sentence making the citation.
package citation

import (
	"regexp"
	"strconv"
	"strings"
)

// Reference is one resolved citation: the marker index, the URL it points
// to, and the sentence(s) making the cited claim.
type Reference struct {
	Index     int    `json:"index"`
	URL       string `json:"url"`
	ClaimText string `json:"claim_text"`
}

// Result carries the marker-free text and the resolved references.
type Result struct {
	CleanedText string      `json:"cleaned_text"`
	References  []Reference `json:"references"`
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// spaceGapPattern matches the runs of spaces left behind when a string of
// adjacent markers is stripped.
var spaceGapPattern = regexp.MustCompile(` {2,}`)

// boundaryScanLimit caps how far we look for a sentence boundary before
// falling back to a fixed window; guards against unbounded sentences in
// malformed input.
const boundaryScanLimit = 300

// fallbackWindow is the half-width of the window used when no sentence
// boundary is found near a marker.
const fallbackWindow = 100

// Resolve scans text for bracketed integer markers and maps each
// (1-indexed) to an entry of citationURLs. Out-of-range markers are
// dropped from the references but still stripped from the cleaned text —
// source data is known to contain dangling references. Markers resolving
// to the same URL coalesce into one reference whose claim text is the
// union of the distinct sentences.
func Resolve(text string, citationURLs []string) Result {
	result := Result{CleanedText: stripMarkers(text)}
	if text == "" || len(citationURLs) == 0 {
		return result
	}

	byURL := make(map[string]int) // url -> index into result.References

	for _, loc := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || n < 1 || n > len(citationURLs) {
			continue
		}
		url := citationURLs[n-1]
		claim := stripMarkers(claimSentence(text, loc[0], loc[1]))
		claim = strings.TrimSpace(claim)

		if i, ok := byURL[url]; ok {
			// Same URL cited twice: append the sentence unless it is
			// already part of the claim.
			if claim != "" && !strings.Contains(result.References[i].ClaimText, claim) {
				result.References[i].ClaimText = strings.TrimSpace(result.References[i].ClaimText + " " + claim)
			}
			continue
		}
		byURL[url] = len(result.References)
		result.References = append(result.References, Reference{
			Index:     n,
			URL:       url,
			ClaimText: claim,
		})
	}
	return result
}

// claimSentence returns the sentence enclosing the marker at [start, end):
// the span between the nearest preceding sentence boundary and the nearest
// following one. When no boundary exists within boundaryScanLimit, a fixed
// window around the marker is used instead of the whole text.
func claimSentence(text string, start, end int) string {
	left := start
	steps := 0
	for left > 0 && steps < boundaryScanLimit {
		if isBoundary(text, left-1) {
			break
		}
		left--
		steps++
	}
	if steps >= boundaryScanLimit {
		left = start - fallbackWindow
		if left < 0 {
			left = 0
		}
	}

	right := end
	steps = 0
	for right < len(text) && steps < boundaryScanLimit {
		if isTerminal(text[right]) {
			right++
			// Swallow a trailing marker that cites the same sentence,
			// e.g. "X." followed by "[1]".
			for _, loc := range markerPattern.FindAllStringIndex(text[right:], 1) {
				if loc[0] == 0 {
					right += loc[1]
				}
			}
			break
		}
		right++
		steps++
	}
	if steps >= boundaryScanLimit {
		right = end + fallbackWindow
		if right > len(text) {
			right = len(text)
		}
	}

	return text[left:right]
}

// isBoundary reports whether position i ends a sentence: terminal
// punctuation followed by whitespace.
func isBoundary(text string, i int) bool {
	if !isTerminal(text[i]) {
		return false
	}
	return i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t'
}

func isTerminal(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

// stripMarkers removes every bracketed integer marker and collapses the
// whitespace gaps they leave behind, however many markers sat adjacent.
func stripMarkers(text string) string {
	cleaned := markerPattern.ReplaceAllString(text, "")
	cleaned = spaceGapPattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.ReplaceAll(cleaned, " .", ".")
	return strings.TrimSpace(cleaned)
}
