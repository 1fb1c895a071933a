package knowledge

import "strings"

// NormalizeEntityName lowercases, trims and collapses inner whitespace so
// that "Neo4j ", "NEO4J" and "neo4j" resolve to the same entity.
func NormalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// fuzzyRatio returns a similarity in [0,1] based on edit distance over the
// longer string. 1.0 means identical.
func fuzzyRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}

	return 1.0 - float64(editDistance(a, b))/float64(longest)
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
