package diagnosis

import (
	"context"
	"strings"
	"unicode"
)

// Diagnoser turns a failed attempt's error into a short corrective hint.
// The bool is false when there is nothing to suggest.
type Diagnoser interface {
	SuggestFix(ctx context.Context, goal, description, errText string) (string, bool)
}

const excerptLimit = 200

type rule struct {
	needles []string
	hint    string
	// words match only as whole words.
	words []string
}

// Evaluated in order; the first rule with a matching needle wins.
var rules = []rule{
	{needles: []string{"not found", "does not exist", "no such file"},
		hint: "The target path or resource was not found. Verify the path exists and is spelled correctly, or create it first."},
	{needles: []string{"permission", "denied", "access is denied"},
		hint: "Permission denied. Use a location the agent can write to or request elevated access."},
	{needles: []string{"syntax", "parse", "unexpected token"},
		hint: "The input could not be parsed. Check the syntax of the generated content before retrying."},
	{needles: []string{"timeout", "timed out", "deadline exceeded"},
		hint: "The operation timed out. Retry with a smaller unit of work or a longer timeout."},
	{needles: []string{"network", "connection", "refused", "unreachable", "dns"},
		hint: "A network error occurred. Check that the remote service is reachable and retry."},
	{needles: []string{"invalid", "malformed"},
		hint: "The request was rejected as invalid. Re-check the required parameters and their formats."},
	{needles: []string{"out of memory", "oomkilled"},
		hint:  "The operation ran out of memory. Process the data in smaller chunks.",
		words: []string{"oom"}},
	{needles: []string{"already exists", "duplicate"},
		hint: "The target already exists. Use a different name or update the existing item instead of creating it."},
	{needles: []string{"type error", "mismatched types", "cannot convert"},
		hint: "A type mismatch was reported. Make sure values have the expected types before using them."},
}

// Heuristic maps error text onto a fixed taxonomy. It never calls out and is
// deterministic for a given input.
type Heuristic struct{}

func (Heuristic) SuggestFix(_ context.Context, _, _, errText string) (string, bool) {
	return Suggest(errText)
}

// Suggest is the heuristic as a plain function.
func Suggest(errText string) (string, bool) {
	trimmed := strings.TrimSpace(errText)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, r := range rules {
		if r.matches(lower) {
			return r.hint, true
		}
	}
	return "The previous attempt failed with: " + excerpt(trimmed) + ". Try a different approach.", true
}

func (r rule) matches(lower string) bool {
	for _, n := range r.needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	if len(r.words) == 0 {
		return false
	}
	fields := strings.FieldsFunc(lower, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	for _, f := range fields {
		for _, w := range r.words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptLimit {
		return s
	}
	return string(r[:excerptLimit])
}
