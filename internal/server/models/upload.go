// Package models defines the aggregates of the segmented-upload engine:
// Upload, UploadSegment, and UploadSecret.
package models

import (
	"fmt"
	"time"

	"github.com/upstitch/upstitch/internal/common"
)

// Upload is one logical file being assembled from segments. It is owned by
// exactly one of an authenticated user or an anonymous session, and is
// "materialized" once FileKey points at the assembled object, at which
// point it must have zero child segments.
type Upload struct {
	ID       int64
	Token    string // hash of the client-chosen identifier
	UserID   *string
	Session  *string
	Filename string // client-supplied, display only
	FileKey  string // object ref; empty until materialized
	Digest   string // hex; empty is the valid "no algorithm" result
	CreatedAt time.Time
	Lingering bool
}

// Materialized reports whether the assembled object has been saved.
func (u *Upload) Materialized() bool {
	return u.FileKey != ""
}

// Owner returns the owner value for this upload.
func (u *Upload) Owner() Owner {
	if u.UserID != nil {
		return UserOwner(*u.UserID)
	}
	if u.Session != nil {
		return SessionOwner(*u.Session)
	}
	return Owner{}
}

// Clean validates the structural invariants: exactly one of user or
// session is set, and a set session must be non-empty.
func (u *Upload) Clean() error {
	errs := common.NewValidationError()
	if u.Session == nil {
		if u.UserID == nil {
			errs.Add("one of user or session must be set", "session", "user")
		}
	} else if u.UserID != nil {
		errs.Add("only one of user or session may be set", "session", "user")
	}
	if u.Session != nil && *u.Session == "" {
		errs.Add(fmt.Sprintf("provided value of %q was not truthy or null", *u.Session), "session")
	}
	if errs.Empty() {
		return nil
	}
	return errs
}

// MaterializeLockKey names the lease guarding assembly of this upload.
func (u *Upload) MaterializeLockKey() string {
	return fmt.Sprintf("upstitch;Upload;%d;materialize", u.ID)
}

// TriggerLockKey names the lease guarding dispatch for this upload.
func (u *Upload) TriggerLockKey() string {
	return fmt.Sprintf("upstitch;Upload;%d;trigger", u.ID)
}
