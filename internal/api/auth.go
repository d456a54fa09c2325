package api

import (
	"net/http"
	"strings"

	"cruvz-control/internal/models"
)

// Header names the upstream gateway uses to convey the authenticated caller.
// Authentication itself happens before requests reach this service.
const (
	HeaderOwnerID   = "X-Owner-Id"
	HeaderOwnerRole = "X-Owner-Role"
)

// Owner identifies the authenticated caller of a request.
type Owner struct {
	ID   string
	Role models.Role
}

// ownerFromRequest resolves the caller from gateway headers. A missing owner
// id is an authentication failure; an unknown role is a bad request. The
// role defaults to standard when the header is absent.
func ownerFromRequest(r *http.Request) (Owner, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderOwnerID))
	if id == "" {
		return Owner{}, RequestError{Status: http.StatusUnauthorized, Message: "missing owner identity"}
	}
	roleHeader := strings.TrimSpace(r.Header.Get(HeaderOwnerRole))
	if roleHeader == "" {
		return Owner{ID: id, Role: models.RoleStandard}, nil
	}
	role, err := models.ParseRole(roleHeader)
	if err != nil {
		return Owner{}, RequestError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	return Owner{ID: id, Role: role}, nil
}
