package emotion

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/embervoice/ember-go/pkg/core"
)

// Score is a single (label, magnitude) pair from the remote emotion model.
// The engine never computes magnitudes, it only ranks what the wire delivers.
type Score struct {
	Label     string  `json:"label"`
	Magnitude float64 `json:"magnitude"`
}

// DefaultTopN is how many scores a transcript entry carries.
const DefaultTopN = 3

// ParseScores decodes a JSON object of label→magnitude pairs, preserving
// document order. Order matters: ties in magnitude keep the order in which
// labels appeared, so ranking is deterministic for identical payloads.
func ParseScores(raw json.RawMessage) ([]Score, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, core.NewDecodeError("malformed emotion scores", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, core.NewDecodeError("emotion scores must be a JSON object", nil)
	}

	var scores []Score
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, core.NewDecodeError("malformed emotion scores", err)
		}
		label, _ := keyTok.(string)

		var magnitude float64
		if err := dec.Decode(&magnitude); err != nil {
			return nil, core.NewDecodeError("emotion magnitude must be a number", err)
		}
		scores = append(scores, Score{Label: label, Magnitude: magnitude})
	}
	return scores, nil
}

// TopN returns the n highest-magnitude scores in descending order.
// The sort is stable: equal magnitudes keep their input order.
func TopN(scores []Score, n int) []Score {
	if n <= 0 || len(scores) == 0 {
		return nil
	}

	ranked := make([]Score, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Magnitude > ranked[j].Magnitude
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// Top3FromJSON parses a raw scores object and returns its top three entries.
func Top3FromJSON(raw json.RawMessage) ([]Score, error) {
	scores, err := ParseScores(raw)
	if err != nil {
		return nil, err
	}
	return TopN(scores, DefaultTopN), nil
}
