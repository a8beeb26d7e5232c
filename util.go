package fleetsync

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewLocalID returns a new client-assigned record identifier. Local IDs are
// temporary: once a record syncs, the server-assigned identifier becomes
// authoritative and the local ID survives only through the retention grace
// window.
func NewLocalID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic("fleetsync: crypto/rand unavailable: " + err.Error())
	}
	return "loc-" + hex.EncodeToString(buf)
}
