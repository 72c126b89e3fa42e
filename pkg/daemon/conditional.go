package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// etagFor derives a weak validator from a cached value.
func etagFor(value []byte) string {
	sum := sha256.Sum256(value)
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:])[:16])
}

// notModified reports whether the request's If-None-Match covers etag.
func notModified(r *http.Request, etag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	for _, tag := range strings.Split(inm, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}
