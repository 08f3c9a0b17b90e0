package process

import "strings"

// titleFields is the minimum token count of a rewritten backend title:
// "<target>: user database origin ...".
const titleFields = 4

// ParseTitle extracts the client identity from a backend's command line.
// It reports false while the title has not been rewritten yet.
func ParseTitle(args []string, target string, strict bool) (*Identity, bool) {
	tokens := strings.Fields(strings.Join(args, " "))
	if len(tokens) < titleFields {
		return nil, false
	}
	if strict && tokens[0] != target+":" {
		return nil, false
	}
	return &Identity{
		User:     tokens[1],
		Database: tokens[2],
		Origin:   stripPort(tokens[3]),
	}, true
}

// stripPort drops a parenthetical suffix such as "(5432)".
func stripPort(origin string) string {
	if i := strings.IndexByte(origin, '('); i >= 0 {
		return origin[:i]
	}
	return origin
}
