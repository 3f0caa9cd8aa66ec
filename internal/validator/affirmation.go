package validator

import (
	"strings"
	"unicode"
)

// maxAffirmationWords bounds how long a message may be and still count as a bare affirmation.
const maxAffirmationWords = 4

// affirmationWords are tokens that carry agreement but no data. Hindi transliterations are
// included because many users mix them in.
var affirmationWords = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yea": {}, "yep": {}, "yup": {}, "ya": {}, "yess": {},
	"ok": {}, "okay": {}, "okk": {}, "k": {}, "kk": {}, "sure": {}, "fine": {}, "alright": {},
	"right": {}, "correct": {}, "true": {}, "agreed": {}, "agree": {}, "done": {},
	"confirm": {}, "confirmed": {}, "absolutely": {}, "definitely": {}, "exactly": {},
	"of": {}, "course": {}, "ofc": {}, "it": {}, "is": {}, "thats": {}, "that": {}, "s": {},
	"bro": {}, "sir": {}, "i": {}, "do": {}, "have": {},
	"haan": {}, "han": {}, "ha": {}, "ji": {}, "hanji": {}, "theek": {}, "thik": {}, "hai": {},
}

// anchorWords must appear at least once; "i have" alone is not an affirmation.
var anchorWords = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yea": {}, "yep": {}, "yup": {}, "ya": {}, "yess": {},
	"ok": {}, "okay": {}, "okk": {}, "k": {}, "kk": {}, "sure": {}, "fine": {}, "alright": {},
	"right": {}, "correct": {}, "true": {}, "agreed": {}, "agree": {}, "done": {},
	"confirm": {}, "confirmed": {}, "absolutely": {}, "definitely": {}, "exactly": {},
	"ofc": {}, "course": {}, "haan": {}, "han": {}, "ha": {}, "ji": {}, "hanji": {}, "theek": {}, "thik": {},
}

// IsBareAffirmation reports whether text only agrees ("yes", "ok sure", "haan ji") without
// carrying any data of its own.
func IsBareAffirmation(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 || len(words) > maxAffirmationWords {
		return false
	}
	anchored := false
	for _, w := range words {
		if _, ok := affirmationWords[w]; !ok {
			return false
		}
		if _, ok := anchorWords[w]; ok {
			anchored = true
		}
	}
	return anchored
}
