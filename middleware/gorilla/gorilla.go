// Package gorilla mounts the leakguard router in a gorilla/mux router and
// reads route variables for the net/http ScanGuard.
package gorilla

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	leakhttp "github.com/mihaimyh/leakguard/middleware/http"
)

// Mount serves h for every request under prefix, stripping the prefix first.
// h is usually api.NewRouter.
func Mount(r *mux.Router, prefix string, h http.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	r.PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, h))
}

// FromVar returns an AccountIDExtractor that reads a mux route variable
func FromVar(name string) leakhttp.AccountIDExtractor {
	return func(r *http.Request) string {
		return mux.Vars(r)[name]
	}
}
