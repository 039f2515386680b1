package database

import (
	"github.com/oklog/ulid/v2"
	"github.com/teris-io/shortid"
)

func newRoomId() (string, error) {
	return shortid.Generate()
}

// newMessageId returns a ULID, so ids sort in creation order.
func newMessageId() string {
	return ulid.Make().String()
}
