// Package tokens describes which content type produced each character of a
// text. A token list is an ordered run-length encoding over rune offsets.
package tokens

import (
	"fmt"
	"sort"
)

// ContentType tags the origin of a run of text
type ContentType string

const (
	Stdout    ContentType = "stdout"
	Stderr    ContentType = "stderr"
	System    ContentType = "system"
	UserInput ContentType = "user-input"
)

// Token is a maximal run [Start, End) produced by a single content type
type Token struct {
	Type  ContentType `json:"type"`
	Start int         `json:"start"`
	End   int         `json:"end"`
}

// Len returns the number of characters covered by the token
func (t Token) Len() int {
	return t.End - t.Start
}

func (t Token) String() string {
	return fmt.Sprintf("%s[%d,%d)", t.Type, t.Start, t.End)
}

// Span returns the total number of characters covered by the list
func Span(list []Token) int {
	if len(list) == 0 {
		return 0
	}
	return list[len(list)-1].End
}

// Append adds n characters of type ct at the end of the list. The tail token
// is extended when it already has type ct.
func Append(list []Token, ct ContentType, n int) []Token {
	if n <= 0 {
		return list
	}
	if last := len(list) - 1; last >= 0 && list[last].Type == ct {
		list[last].End += n
		return list
	}
	start := Span(list)
	return append(list, Token{Type: ct, Start: start, End: start + n})
}

// UpdateOnRemoval returns the token list as it looks after the characters in
// [removeStart, removeEnd) were deleted from the underlying text. Offsets are
// clamped to [0, Span(list)]. The input slice is not modified.
func UpdateOnRemoval(list []Token, removeStart, removeEnd int) []Token {
	total := Span(list)
	removeStart = clamp(removeStart, 0, total)
	removeEnd = clamp(removeEnd, 0, total)
	if removeStart >= removeEnd {
		return Clone(list)
	}
	removed := removeEnd - removeStart

	result := make([]Token, 0, len(list))
	for _, t := range list {
		switch {
		case t.End <= removeStart:
			result = append(result, t)
		case t.Start >= removeEnd:
			result = appendMerged(result, Token{Type: t.Type, Start: t.Start - removed, End: t.End - removed})
		default:
			overlap := min(t.End, removeEnd) - max(t.Start, removeStart)
			length := t.Len() - overlap
			if length <= 0 {
				continue
			}
			start := min(t.Start, removeStart)
			result = appendMerged(result, Token{Type: t.Type, Start: start, End: start + length})
		}
	}
	return result
}

// appendMerged appends t, folding it into the tail when the tail has the same
// type. Tokens are contiguous, so the merged token simply takes t.End.
func appendMerged(list []Token, t Token) []Token {
	if last := len(list) - 1; last >= 0 && list[last].Type == t.Type {
		list[last].End = t.End
		return list
	}
	return append(list, t)
}

// Clone returns an independent copy of the list
func Clone(list []Token) []Token {
	if list == nil {
		return nil
	}
	return append([]Token(nil), list...)
}

// Types returns the distinct content types present in the list, sorted
func Types(list []Token) []ContentType {
	seen := make(map[ContentType]struct{}, len(list))
	var types []ContentType
	for _, t := range list {
		if _, ok := seen[t.Type]; ok {
			continue
		}
		seen[t.Type] = struct{}{}
		types = append(types, t.Type)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate checks that the list starts at 0, is contiguous, has no empty
// tokens, never repeats a content type in adjacent tokens, and spans exactly
// length characters.
func Validate(list []Token, length int) error {
	pos := 0
	for i, t := range list {
		if t.Start != pos {
			return fmt.Errorf("token %d %s: expected start %d", i, t, pos)
		}
		if t.End <= t.Start {
			return fmt.Errorf("token %d %s: empty or inverted", i, t)
		}
		if i > 0 && list[i-1].Type == t.Type {
			return fmt.Errorf("token %d %s: same content type as previous token", i, t)
		}
		pos = t.End
	}
	if pos != length {
		return fmt.Errorf("tokens span %d characters, text has %d", pos, length)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
