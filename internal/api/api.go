// Package api is the JSON request boundary over the domain services.
// Handlers record their outcome through the cerr response receiver; the
// middleware installed on the router renders it.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/kazz187/maestro/pkg/cerr"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	return nil
}
