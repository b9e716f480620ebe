package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"counselgraph/internal/domain"
)

// NormalizeAnswer folds an answer into its canonical comparison form.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// SignatureEqual reports whether two step sequences carry the same answer
// signature: equal length, and pairwise equal (questionID, normalized answer).
func SignatureEqual(a, b []domain.CaseStep) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].QuestionID != b[i].QuestionID {
			return false
		}
		if NormalizeAnswer(a[i].Answer) != NormalizeAnswer(b[i].Answer) {
			return false
		}
	}
	return true
}

// SignatureHash is a content hash of the normalized signature, used as the
// case dedup index key. Two step sequences hash equal iff SignatureEqual
// holds for them.
func SignatureHash(steps []domain.CaseStep) string {
	h := sha256.New()
	for _, s := range steps {
		h.Write([]byte(s.QuestionID))
		h.Write([]byte{0x1f})
		h.Write([]byte(NormalizeAnswer(s.Answer)))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// deriveAnswered extracts the ordered set of question ids from steps,
// keeping the first occurrence of each id.
func deriveAnswered(steps []domain.CaseStep) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range steps {
		id := strings.TrimSpace(s.QuestionID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
