package chat

import "hash/fnv"

// AnonymousColor is used for the placeholder user.
const AnonymousColor = "#8a8a8a"

var nickPalette = []string{
	"#e06c75", "#98c379", "#e5c07b", "#61afef",
	"#c678dd", "#56b6c2", "#d19a66", "#be5046",
	"#7ec699", "#f08d49", "#cc99cd", "#67cdcc",
	"#f8c555", "#6196cc", "#e2777a", "#a3be8c",
}

// ColorFor returns the palette color for a user id. The mapping is stable for a given id.
func ColorFor(id UserID) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id.String()))
	return nickPalette[hasher.Sum32()%uint32(len(nickPalette))]
}
