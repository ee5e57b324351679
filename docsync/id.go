package docsync

import (
	"bytes"

	"github.com/oklog/ulid/v2"
)

// session ids. Ids are ordered by create time, so sorting the sessions of a
// peer by id gives the order they connected in.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) Compare(b Id) int {
	return bytes.Compare(self[:], b[:])
}
