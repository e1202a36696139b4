package optimistic

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks ids minted on the client for unconfirmed creates.
const TempIDPrefix = "tmp-"

// NewTempID returns a unique, time-sortable temporary id.
func NewTempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether id was minted by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
