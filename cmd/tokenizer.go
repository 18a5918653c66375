package cmd

// wordTokenizer is a small, fully deterministic stand-in for a real
// subword tokenizer: good enough to exercise the detokenizer's incremental
// join/special-token logic end to end without pulling in a real model's
// vocabulary (spec.md §1 "tokenizer internals out of scope").
type wordTokenizer struct {
	vocab      []string
	eosTokenID int
}

var defaultVocab = []string{
	"the", "model", "served", "a", "response", "to", "the", "user", "prompt",
	"and", "then", "continued", "generating", "more", "tokens", "quickly",
}

func newWordTokenizer(eosTokenID int) *wordTokenizer {
	return &wordTokenizer{vocab: defaultVocab, eosTokenID: eosTokenID}
}

func (t *wordTokenizer) ConvertIDsToTokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id == t.eosTokenID {
			out[i] = "<eos>"
			continue
		}
		word := t.vocab[((id%len(t.vocab))+len(t.vocab))%len(t.vocab)]
		if i == 0 {
			out[i] = word
		} else {
			out[i] = " " + word
		}
	}
	return out
}

func (t *wordTokenizer) IsSpecialToken(token string) bool {
	return token == "<eos>" || token == " <eos>"
}
