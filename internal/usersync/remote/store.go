// Package remote talks to the multi-device record store.
//
// Store is the transport-level contract implemented by memstore (tests and
// single-process setups) and httpstore (the networked client). Session wraps
// a Store with the bookkeeping the sync engine needs: a serial operation
// queue, bootstrap of the zone and subscription, cursor-based fetch, and
// upload with one-shot conflict resolution.
package remote

import (
	"context"
	"fmt"
)

// AccountStatus reports whether the user can use the remote store.
type AccountStatus int

const (
	AccountStatusCouldNotDetermine AccountStatus = iota
	AccountStatusAvailable
	AccountStatusRestricted
	AccountStatusNoAccount
	AccountStatusTemporarilyUnavailable
)

func (s AccountStatus) String() string {
	switch s {
	case AccountStatusAvailable:
		return "available"
	case AccountStatusRestricted:
		return "restricted"
	case AccountStatusNoAccount:
		return "no-account"
	case AccountStatusTemporarilyUnavailable:
		return "temporarily-unavailable"
	}
	return "could-not-determine"
}

// MarshalText implements encoding.TextMarshaler.
func (s AccountStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AccountStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "available":
		*s = AccountStatusAvailable
	case "restricted":
		*s = AccountStatusRestricted
	case "no-account":
		*s = AccountStatusNoAccount
	case "temporarily-unavailable":
		*s = AccountStatusTemporarilyUnavailable
	case "could-not-determine":
		*s = AccountStatusCouldNotDetermine
	default:
		return fmt.Errorf("unknown account status %q", b)
	}
	return nil
}

// Subscription asks the store to push a notification whenever a zone changes.
type Subscription struct {
	ID   string `json:"id"`
	Zone ZoneID `json:"zone"`
}

// ChangeSet is one page of a zone change fetch.
type ChangeSet struct {
	Records   []*Record  `json:"records"`
	Deletions []Deletion `json:"deletions"`
	// Token is the cursor to pass to the next fetch.
	Token []byte `json:"token"`
	// MoreComing is set when another page is immediately available.
	MoreComing bool `json:"moreComing"`
	// Failures lists records the store could not return.
	Failures []RecordFailure `json:"failures,omitempty"`
}

// ModifyResult is the outcome of a Modify call. A record appears in exactly
// one of Saved or Failures.
type ModifyResult struct {
	Saved    []*Record       `json:"saved"`
	Deleted  []RecordID      `json:"deleted"`
	Failures []RecordFailure `json:"failures,omitempty"`
}

// RecordFailure is a per-record error inside an otherwise successful call.
type RecordFailure struct {
	ID  RecordID `json:"id"`
	Err *Error   `json:"error"`
}

// Store is the remote record store.
//
// Whole-call failures are returned as *Error values so callers can classify
// them with IsTransient, IsStructural and RetryDelay.
type Store interface {
	AccountStatus(ctx context.Context) (AccountStatus, error)
	CreateZone(ctx context.Context, zone ZoneID) error
	DeleteZone(ctx context.Context, zone ZoneID) error
	CreateSubscription(ctx context.Context, sub Subscription) error
	// FetchChanges returns changes after token; a nil token fetches everything.
	FetchChanges(ctx context.Context, zone ZoneID, token []byte) (*ChangeSet, error)
	Modify(ctx context.Context, zone ZoneID, saves []*Record, deletes []RecordID) (*ModifyResult, error)
}
