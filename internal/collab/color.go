package collab

import "hash/fnv"

var cursorPalette = [...]string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
	"#bfef45", "#fabed4", "#dcbeff", "#ffd8b1",
}

// DeriveColor maps a user id onto the cursor palette. The result depends only on the id.
func DeriveColor(userID UserID) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return cursorPalette[hasher.Sum32()%uint32(len(cursorPalette))]
}
