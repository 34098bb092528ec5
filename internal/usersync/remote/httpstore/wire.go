// Package httpstore exposes a remote.Store over JSON/HTTP.
//
// Server wraps any remote.Store behind a chi router with bearer-token auth
// and a WebSocket stream of push notifications. Client implements
// remote.Store against such a server.
//
// Routes:
//
//	GET    /health
//	GET    /v1/account
//	PUT    /v1/zones/{owner}/{zone}
//	DELETE /v1/zones/{owner}/{zone}
//	POST   /v1/zones/{owner}/{zone}/changes
//	POST   /v1/zones/{owner}/{zone}/modify
//	PUT    /v1/subscriptions/{id}
//	GET    /v1/notifications   (WebSocket)
//
// Failures are returned as a remote.Error JSON body with a matching status
// code. Throttling responses also carry a Retry-After header in seconds.
package httpstore

import (
	"net/http"

	"github.com/confcore/usersync/internal/usersync/remote"
)

type accountResponse struct {
	Status remote.AccountStatus `json:"status"`
}

type subscriptionRequest struct {
	Zone remote.ZoneID `json:"zone"`
}

type changesRequest struct {
	Token []byte `json:"token,omitempty"`
}

type modifyRequest struct {
	Saves   []*remote.Record  `json:"saves,omitempty"`
	Deletes []remote.RecordID `json:"deletes,omitempty"`
}

// statusFor maps an error code to the HTTP status the server responds with.
func statusFor(code remote.Code) int {
	switch code {
	case remote.CodeRequestRateLimited:
		return http.StatusTooManyRequests
	case remote.CodeServiceUnavailable, remote.CodeZoneBusy:
		return http.StatusServiceUnavailable
	case remote.CodeChangeTokenExpired:
		return http.StatusGone
	case remote.CodeZoneNotFound, remote.CodeUserDeletedZone, remote.CodeUnknownItem:
		return http.StatusNotFound
	case remote.CodeNotAuthenticated:
		return http.StatusUnauthorized
	case remote.CodePermissionFailure:
		return http.StatusForbidden
	case remote.CodeServerRecordChanged:
		return http.StatusConflict
	case remote.CodeInvalidArguments:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// codeFor classifies a response whose body carried no error code.
func codeFor(status int) remote.Code {
	switch status {
	case http.StatusTooManyRequests:
		return remote.CodeRequestRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return remote.CodeServiceUnavailable
	case http.StatusUnauthorized:
		return remote.CodeNotAuthenticated
	case http.StatusForbidden:
		return remote.CodePermissionFailure
	case http.StatusGone:
		return remote.CodeChangeTokenExpired
	case http.StatusConflict:
		return remote.CodeServerRecordChanged
	case http.StatusBadRequest:
		return remote.CodeInvalidArguments
	}
	return remote.CodeInternal
}
