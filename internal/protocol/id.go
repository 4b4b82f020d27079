package protocol

import "github.com/oklog/ulid/v2"

// NewSyntheticID mints the random tail of a synthetic anon: command ID
// (see types.ReservedIDPrefix). ulid.Make is time-sortable and
// monotonic within a process, unlike a plain random UUID, so synthetic
// IDs minted in quick succession during a burst of unidentified
// commands still sort in mint order.
func NewSyntheticID() string {
	return ulid.Make().String()
}
