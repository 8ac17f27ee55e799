package permission

import (
	"net/http"
	"strconv"
	"strings"
)

// Mask is a feature permission bitmask.
type Mask uint32

// CRUD intent bits.
const (
	Read   Mask = 1 << 0
	Create Mask = 1 << 1
	Update Mask = 1 << 2
	Delete Mask = 1 << 3

	// All is the union of the CRUD intents.
	All = Read | Create | Update | Delete
)

// Has reports whether every bit of required is set in m. A zero required
// mask is never satisfied.
func (m Mask) Has(required Mask) bool {
	if required == 0 {
		return false
	}
	return m&required == required
}

// Set returns m with bits added.
func (m Mask) Set(bits Mask) Mask {
	return m | bits
}

// Clear returns m with bits removed.
func (m Mask) Clear(bits Mask) Mask {
	return m &^ bits
}

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, b := range []struct {
		bit  Mask
		name string
	}{{Read, "read"}, {Create, "create"}, {Update, "update"}, {Delete, "delete"}} {
		if m&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if rest := m &^ All; rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// BitForMethod maps an HTTP method to the intent bit a request with that
// method requires. Unknown methods require Read.
func BitForMethod(method string) Mask {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return Read
	case http.MethodPost:
		return Create
	case http.MethodPut, http.MethodPatch:
		return Update
	case http.MethodDelete:
		return Delete
	default:
		return Read
	}
}
