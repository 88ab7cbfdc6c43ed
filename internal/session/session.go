// Package session owns the per-server session records and drives the
// establish, authenticate and authorize handshake.
package session

import (
	"errors"
	"time"
)

var (
	// ErrDiscarded is returned to waiters of a session that was thrown away
	ErrDiscarded = errors.New("session discarded")

	// ErrInvalidAuthorization is returned when a granted authorization is malformed
	ErrInvalidAuthorization = errors.New("invalid authorization")

	// ErrNotAuthorized is returned by operations that need an authorized session
	ErrNotAuthorized = errors.New("session is not authorized")

	// ErrInactive is returned when the engine has been deactivated
	ErrInactive = errors.New("engine is not active")
)

// Type distinguishes a device's own session from a paired mobile one
type Type string

const (
	Primary Type = "primary"
	Mobile  Type = "mobile"
)

// Session is a snapshot of one session record
type Session struct {
	Address string    `json:"address"`
	Area    string    `json:"area"`
	Type    Type      `json:"type"`
	Handle  string    `json:"handle,omitempty"`
	Token   string    `json:"-"`
	UserID  int64     `json:"user_id,omitempty"`
	Expire  time.Time `json:"etime,omitempty"`
}

// Established reports whether the server has issued a handle
func (s Session) Established() bool {
	return s.Handle != ""
}

// Authorized reports whether the session holds a token
func (s Session) Authorized() bool {
	return s.Token != ""
}

type key struct {
	address string
	area    string
	typ     Type
}

func (k key) String() string {
	return string(k.typ) + "\x00" + k.address + "\x00" + k.area
}

// record is the mutable state behind a Session; guarded by Manager.mu
type record struct {
	Session
	authorized chan struct{}
	discarded  chan struct{}
}

func newRecord(k key) *record {
	return &record{
		Session: Session{
			Address: k.address,
			Area:    k.area,
			Type:    k.typ,
		},
		authorized: make(chan struct{}),
		discarded:  make(chan struct{}),
	}
}

func (r *record) isDiscarded() bool {
	select {
	case <-r.discarded:
		return true
	default:
		return false
	}
}
