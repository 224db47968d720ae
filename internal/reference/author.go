package reference

import "strings"

// Author is a name split into given and family parts.
type Author struct {
	First string `json:"first"` // First/given name(s)
	Last  string `json:"last"`  // Last/family name
}

// Common name suffixes to keep with the last name.
var nameSuffixes = map[string]bool{
	"jr": true, "jr.": true, "sr": true, "sr.": true,
	"ii": true, "iii": true, "iv": true,
	"phd": true, "ph.d": true, "md": true, "m.d": true,
}

// ParseAuthor splits a full name into first and last name.
// A trailing "et al." is kept as part of the last name so that
// abbreviated author lists survive a round trip.
//
// Known limitations:
// - Multi-part surnames (von Neumann, van der Waals) split incorrectly
// - Non-Western name formats may not be handled correctly
func ParseAuthor(name string) Author {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return Author{}
	}
	if strings.HasSuffix(strings.ToLower(name), " et al.") || strings.HasSuffix(strings.ToLower(name), " et al") {
		return Author{Last: name}
	}

	parts := strings.Fields(name)
	if len(parts) == 1 {
		return Author{Last: parts[0]}
	}

	lastPart := strings.ToLower(parts[len(parts)-1])
	if nameSuffixes[lastPart] && len(parts) > 2 {
		return Author{
			First: strings.Join(parts[:len(parts)-2], " "),
			Last:  parts[len(parts)-2] + " " + parts[len(parts)-1],
		}
	}
	return Author{
		First: strings.Join(parts[:len(parts)-1], " "),
		Last:  parts[len(parts)-1],
	}
}

// String formats the author as "First Last".
func (a Author) String() string {
	if a.First != "" {
		return a.First + " " + a.Last
	}
	return a.Last
}
