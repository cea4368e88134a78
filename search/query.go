package search

import (
	"strconv"
	"strings"
)

const defaultLimit = 20

// Query is the structured form of a search request. It decouples the raw
// user input from the index engine requirements.
type Query struct {
	RawInput string // the original input from the user
	Terms    string // the text to match against message content
	Sender   string // restrict matches to one participant, empty for both
	Limit    int    // maximum number of results
}

// ParseQuery extracts command-line style arguments from a raw string.
// Example: harbor tomorrow --from bob --limit 5
func ParseQuery(input string) Query {
	query := Query{
		RawInput: input,
		Limit:    defaultLimit,
	}

	parts := strings.Fields(input)
	var textTerms []string

	for i := 0; i < len(parts); i++ {
		part := parts[i]

		if strings.HasPrefix(part, "--") && i+1 < len(parts) {
			key := strings.TrimPrefix(part, "--")
			val := parts[i+1]

			switch key {
			case "from":
				query.Sender = val
			case "limit":
				if limit, err := strconv.Atoi(val); err == nil && limit > 0 {
					query.Limit = limit
				}
			}
			i++ // skip the value part in the next iteration
			continue
		}

		textTerms = append(textTerms, part)
	}

	query.Terms = strings.Join(textTerms, " ")
	return query
}
