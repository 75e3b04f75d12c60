package room

import (
	"fmt"
	"math/rand/v2"
	"strings"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	// RoomIDLength is the number of characters in a room identifier.
	RoomIDLength = 8
	// UserIDLength is the number of characters in a user identifier.
	UserIDLength = 11

	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	digitChars  = "0123456789"
	base36Chars = digitChars + lowerChars

	// RoomIDAlphabet is the 62-symbol alphabet room identifiers are drawn from.
	RoomIDAlphabet = upperChars + lowerChars + digitChars

	injectDrawLength = 5
)

var roomIDClasses = []string{upperChars, lowerChars, digitChars}

// RoomIDGenerator produces candidate room identifiers. Uniqueness against
// live rooms is the Registry's job; the generator only shapes the string.
type RoomIDGenerator struct {
	draw     func() string
	inject   map[string]func() string
	position func(n int) int
}

// NewRoomIDGenerator builds a generator backed by nanoid's crypto source.
func NewRoomIDGenerator() (*RoomIDGenerator, error) {
	draw, err := nanoid.CustomASCII(RoomIDAlphabet, RoomIDLength)
	if err != nil {
		return nil, fmt.Errorf("room id generator: %w", err)
	}

	inject := make(map[string]func() string, len(roomIDClasses))
	for _, class := range roomIDClasses {
		// nanoid needs at least injectDrawLength characters to make progress;
		// Next uses only the first.
		gen, err := nanoid.CustomASCII(class, injectDrawLength)
		if err != nil {
			return nil, fmt.Errorf("room id class generator: %w", err)
		}
		inject[class] = gen
	}

	return &RoomIDGenerator{
		draw:     draw,
		inject:   inject,
		position: rand.IntN,
	}, nil
}

// Next returns one candidate identifier. Classes missing from the raw draw
// get one character injected at a random position. Later injections may
// overwrite earlier ones, so the mix is best-effort.
func (g *RoomIDGenerator) Next() string {
	id := []byte(g.draw())
	if len(id) == 0 {
		return ""
	}

	var missing []string
	for _, class := range roomIDClasses {
		if !strings.ContainsAny(string(id), class) {
			missing = append(missing, class)
		}
	}

	for _, class := range missing {
		id[g.position(len(id))] = g.inject[class]()[0]
	}

	return string(id)
}

// NewUserIDGenerator returns a source of short base36 display tokens.
// Tokens are not checked for uniqueness.
func NewUserIDGenerator() (func() string, error) {
	gen, err := nanoid.CustomASCII(base36Chars, UserIDLength)
	if err != nil {
		return nil, fmt.Errorf("user id generator: %w", err)
	}
	return gen, nil
}
