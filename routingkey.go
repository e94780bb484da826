package pulse

import (
	"strings"

	"github.com/pkg/errors"
)

// KeyPart names one positional component of a dotted routing key. At most
// one KeyPart in a given reference may set MultipleWords.
type KeyPart struct {
	Name          string
	MultipleWords bool
}

// ParseRoutingKey decodes a dotted routing key against a reference
// schema. It walks the reference forward assigning successive dot-parts
// until a MultipleWords part is reached; if one exists, it then walks the
// reference backward from the tail assigning parts from the end until the
// same MultipleWords part is reached, and the joined remainder (inclusive
// dots) is assigned to that part. An empty MultipleWords value is
// permitted. With no MultipleWords part, the number of dot-parts must
// equal the number of reference parts.
func ParseRoutingKey(key string, ref []KeyPart) (map[string]string, error) {
	multiIdx := -1
	for i, part := range ref {
		if part.MultipleWords {
			if multiIdx != -1 {
				return nil, errors.New("pulse: routing key reference has more than one multiple-words part")
			}
			multiIdx = i
		}
	}

	parts := strings.Split(key, ".")
	result := make(map[string]string, len(ref))

	if multiIdx == -1 {
		if len(parts) != len(ref) {
			return nil, errors.Errorf("pulse: routing key %q has %d parts, reference wants %d", key, len(parts), len(ref))
		}
		for i, part := range ref {
			result[part.Name] = parts[i]
		}
		return result, nil
	}

	if len(parts) < len(ref)-1 {
		return nil, errors.Errorf("pulse: routing key %q has %d parts, reference needs at least %d", key, len(parts), len(ref)-1)
	}

	for i := 0; i < multiIdx; i++ {
		result[ref[i].Name] = parts[i]
	}

	tailLen := len(ref) - multiIdx - 1
	for i := 0; i < tailLen; i++ {
		result[ref[len(ref)-1-i].Name] = parts[len(parts)-1-i]
	}

	start := multiIdx
	end := len(parts) - tailLen
	result[ref[multiIdx].Name] = strings.Join(parts[start:end], ".")

	return result, nil
}
