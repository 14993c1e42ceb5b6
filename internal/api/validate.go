// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3filter"
)

// validateAgainstSpec rejects any request whose path, method, or
// parameters don't match the embedded OpenAPI document, before the
// request reaches a handler. Request bodies are intentionally left
// permissive (see openapi.yaml's additionalProperties: true schemas),
// so this only enforces the routing and parameter contract.
func (s *Server) validateAgainstSpec(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := s.router.FindRoute(r)
		if err != nil {
			respondError(w, r, http.StatusNotFound, errNotFound)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options:    &openapi3filter.Options{ExcludeRequestBody: true},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			respondError(w, r, http.StatusBadRequest, errInvalidInput)
			return
		}
		next.ServeHTTP(w, r)
	})
}
