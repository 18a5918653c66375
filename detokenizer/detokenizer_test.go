package detokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// wordTokenizer mirrors cmd's tokenizer for test purposes: one token id per
// word, plus a special end token.
type wordTokenizer struct{ vocab []string }

func (t *wordTokenizer) ConvertIDsToTokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id == -1 {
			out[i] = "<eos>"
			continue
		}
		if i == 0 {
			out[i] = t.vocab[id%len(t.vocab)]
		} else {
			out[i] = " " + t.vocab[id%len(t.vocab)]
		}
	}
	return out
}

func (t *wordTokenizer) IsSpecialToken(token string) bool {
	return strings.TrimSpace(token) == "<eos>"
}

func TestDetokenizeIncrementally_RoundTrip(t *testing.T) {
	tok := &wordTokenizer{vocab: []string{"a", "b", "c", "d", "e"}}
	allIDs := []int{0, 1, 2, 3, 4}

	var state State
	var full strings.Builder
	for i := 1; i <= len(allIDs); i++ {
		next, delta := DetokenizeIncrementally(tok, allIDs[:i], state, true)
		full.WriteString(delta)
		state = next
	}

	oneShot := strings.Join(tok.ConvertIDsToTokens(allIDs), "")
	assert.Equal(t, oneShot, full.String(), "incremental concatenation must equal one-shot detokenization")
}

func TestDetokenizeIncrementally_SkipsSpecialTokens(t *testing.T) {
	tok := &wordTokenizer{vocab: []string{"a", "b"}}
	allIDs := []int{0, -1, 1}

	var state State
	var full strings.Builder
	for i := 1; i <= len(allIDs); i++ {
		next, delta := DetokenizeIncrementally(tok, allIDs[:i], state, true)
		full.WriteString(delta)
		state = next
	}
	assert.NotContains(t, full.String(), "<eos>")
}

func TestDetokenizeIncrementally_FirstCallDetectedByEmptyTokens(t *testing.T) {
	tok := &wordTokenizer{vocab: []string{"a"}}
	// A previous state with ReadOffset == 0 but non-empty Tokens must NOT be
	// treated as a first call (regression: distinguishing "no prior state"
	// from "legitimately at offset zero").
	prev := State{Tokens: []string{"a"}, PrefixOffset: 0, ReadOffset: 0}
	next, _ := DetokenizeIncrementally(tok, []int{0, 0}, prev, true)
	assert.Equal(t, 2, len(next.Tokens))
}

func TestCheckStop_StopStringSuffixMatch(t *testing.T) {
	reason, truncate := CheckStop(StopCheckInput{
		OutputText:  "hello STOP",
		StopStrings: []string{"STOP"},
		MaxModelLen: 100,
		MaxTokens:   100,
	})
	assert.Equal(t, Stopped, reason)
	assert.Equal(t, len("STOP"), truncate)
}

func TestCheckStop_OrderedPrecedence_MaxModelLenBeforeMaxTokens(t *testing.T) {
	reason, _ := CheckStop(StopCheckInput{
		TotalLen:    101,
		MaxModelLen: 100,
		OutputLen:   5,
		MaxTokens:   5,
	})
	assert.Equal(t, LengthCapped, reason)
}

func TestCheckStop_EOSRespectsIgnoreEOS(t *testing.T) {
	reason, _ := CheckStop(StopCheckInput{
		LastTokenID: 2,
		EOSTokenID:  2,
		IgnoreEOS:   true,
		MaxModelLen: 100,
		MaxTokens:   100,
	})
	assert.Equal(t, NotFinished, reason)

	reason, _ = CheckStop(StopCheckInput{
		LastTokenID: 2,
		EOSTokenID:  2,
		IgnoreEOS:   false,
		MaxModelLen: 100,
		MaxTokens:   100,
	})
	assert.Equal(t, Stopped, reason)
}
