package cryptox

import (
	"unicode"
	"unicode/utf8"

	"github.com/dmitrijs2005/gophchat/internal/common"
)

// MinPassphraseLength is the shortest passphrase accepted for a conversation.
const MinPassphraseLength = 8

var strengthLabels = [...]string{"very weak", "weak", "fair", "strong", "very strong"}

// Strength is an advisory passphrase rating.
type Strength struct {
	Score int
	Label string
}

// MeasureStrength scores a passphrase 0..4 from its length, character
// class diversity, share of unique characters and runs of a repeated
// character. It is a hint for the user, not a security boundary.
func MeasureStrength(passphrase string) Strength {
	n := utf8.RuneCountInString(passphrase)

	score := 0
	for _, tier := range []int{8, 12, 16} {
		if n >= tier {
			score++
		}
	}

	var lower, upper, digit, other bool
	unique := make(map[rune]struct{}, n)
	run, maxRun := 0, 0
	var prev rune = -1
	for _, r := range passphrase {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
		unique[r] = struct{}{}
		if r == prev {
			run++
		} else {
			run = 1
		}
		if run > maxRun {
			maxRun = run
		}
		prev = r
	}

	classes := 0
	for _, has := range []bool{lower, upper, digit, other} {
		if has {
			classes++
		}
	}
	if classes >= 3 {
		score++
	}
	if classes == 4 {
		score++
	}

	if n > 0 && len(unique)*2 < n {
		score--
	}
	if maxRun >= 3 {
		score--
	}
	if n < 6 {
		score = 0
	}

	score = max(0, min(score, len(strengthLabels)-1))
	return Strength{Score: score, Label: strengthLabels[score]}
}

// ValidatePassphrase enforces MinPassphraseLength.
func ValidatePassphrase(passphrase []byte) error {
	if utf8.RuneCount(passphrase) < MinPassphraseLength {
		return common.ErrPassphraseTooShort
	}
	return nil
}
