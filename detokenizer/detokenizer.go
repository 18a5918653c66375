// Package detokenizer implements component G (spec.md §4.G): incremental,
// stateful detokenization so the engine can stream partial output text
// without re-decoding the whole sequence every step.
package detokenizer

import "unicode/utf8"

// Tokenizer is the minimal contract the detokenizer needs: convert a slice
// of token ids to their string pieces. A real implementation wraps a
// tokenizer library; the core never depends on one directly (spec.md §9
// "polymorphic worker" note applies equally here: tokenizer internals are
// out of scope, spec.md §1).
type Tokenizer interface {
	// ConvertIDsToTokens returns one string piece per token id, in order.
	ConvertIDsToTokens(ids []int) []string
	// IsSpecialToken reports whether a token piece should be skipped when
	// building output text.
	IsSpecialToken(token string) bool
}

// State is a sequence's carried-over detokenizer state.
type State struct {
	Tokens       []string
	PrefixOffset int
	ReadOffset   int
}

// DetokenizeIncrementally implements the contract named in spec.md §4.G:
// given the full token id history and the previous call's state, it
// returns the new token pieces, the newly-produced text delta, and the
// updated offsets. Concatenating every call's text delta over a sequence's
// lifetime equals a one-shot detokenization of the whole token list, modulo
// special-token removal (spec.md §8 "Round-trip").
//
// prefixOffset/readOffset exist so that a partial multi-byte token at the
// tail of the stream-so-far is never flushed until a later call completes
// it: the text after readOffset is emitted only when it ends in a complete
// UTF-8 character (not a truncated byte sequence or U+FFFD). Otherwise
// nothing is emitted and the offsets stay put, so a later call emits it
// whole.
func DetokenizeIncrementally(tok Tokenizer, allTokenIDs []int, prev State, skipSpecial bool) (State, string) {
	newTokens := tok.ConvertIDsToTokens(allTokenIDs)

	prefixOffset := prev.PrefixOffset
	readOffset := prev.ReadOffset
	if len(prev.Tokens) == 0 && len(newTokens) > 0 {
		// First call for this sequence: nothing decoded yet.
		readOffset = len(newTokens)
		if readOffset > 0 {
			readOffset-- // everything before the newest token counts as already emitted
		}
		if readOffset < 0 {
			readOffset = 0
		}
		prefixOffset = 0
	}

	prefixText := joinTokens(newTokens[prefixOffset:readOffset], tok, skipSpecial)
	fullText := joinTokens(newTokens[prefixOffset:], tok, skipSpecial)

	if len(fullText) <= len(prefixText) || endsInPartialRune(fullText) {
		// Nothing new and stable yet; advance bookkeeping only.
		return State{Tokens: newTokens, PrefixOffset: prefixOffset, ReadOffset: readOffset}, ""
	}

	delta := fullText[len(prefixText):]
	newPrefixOffset := readOffset
	newReadOffset := len(newTokens)

	return State{Tokens: newTokens, PrefixOffset: newPrefixOffset, ReadOffset: newReadOffset}, delta
}

func joinTokens(tokens []string, tok Tokenizer, skipSpecial bool) string {
	var out []byte
	for _, t := range tokens {
		if skipSpecial && tok.IsSpecialToken(t) {
			continue
		}
		out = append(out, t...)
	}
	return string(out)
}

// endsInPartialRune reports whether text ends in an incomplete UTF-8
// sequence or in U+FFFD, the marker byte-level tokenizers emit for one.
func endsInPartialRune(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	return r == utf8.RuneError
}
