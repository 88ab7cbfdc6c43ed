package proto

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// LocalSchema is the schema name served entirely from the local cache
const LocalSchema = "local"

// Location addresses one table on one remote server
type Location struct {
	Address string `json:"address"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
}

// IsLocal reports whether the location never reaches a remote server
func (l Location) IsLocal() bool {
	return l.Schema == LocalSchema
}

// String formats the location as address/schema/table
func (l Location) String() string {
	return fmt.Sprintf("%s/%s/%s", l.Address, l.Schema, l.Table)
}

// Object is one row of a server-owned collection. Only "id" and "gn"
// (generation number) are interpreted by the engine.
type Object map[string]interface{}

// ID returns the object id, or 0 when absent
func (o Object) ID() int64 {
	return toInt64(o["id"])
}

// GN returns the object's generation number, or 0 when absent
func (o Object) GN() int64 {
	return toInt64(o["gn"])
}

// HasID reports whether the object carries an id at all
func (o Object) HasID() bool {
	_, ok := o["id"]
	return ok
}

// IsTemporary reports whether the object has not been assigned a permanent id yet
func (o Object) IsTemporary() bool {
	return !o.HasID() || o.ID() < 1
}

// Clone returns a shallow copy of the object
func (o Object) Clone() Object {
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// WithID returns a copy of the object carrying the given id
func (o Object) WithID(id int64) Object {
	c := o.Clone()
	c["id"] = id
	return c
}

// CloneObjects copies a slice of objects
func CloneObjects(objects []Object) []Object {
	out := make([]Object, len(objects))
	for i, o := range objects {
		out[i] = o.Clone()
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(math.Round(n))
	case float32:
		return int64(math.Round(float64(n)))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(math.Round(f))
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// Criteria is a structural query on a table. A list value means "any of".
type Criteria map[string]interface{}

// Key returns a canonical string for exact structural comparison
func (c Criteria) Key() string {
	if len(c) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", map[string]interface{}(c))
	}
	return string(data)
}

// Shape returns the criteria with values replaced by their kinds, so that
// queries differing only in values compare equal
func (c Criteria) Shape() string {
	shape := make(map[string]string, len(c))
	for k, v := range c {
		switch v.(type) {
		case []interface{}, []int64, []int, []string, []float64:
			shape[k] = "list"
		case map[string]interface{}:
			shape[k] = "object"
		case nil:
			shape[k] = "null"
		default:
			shape[k] = "scalar"
		}
	}
	data, _ := json.Marshal(shape)
	return string(data)
}

// IDs returns the ids named by an "id" criterion
func (c Criteria) IDs() ([]int64, bool) {
	v, ok := c["id"]
	if !ok {
		return nil, false
	}
	values := listValues(v)
	if values == nil {
		return []int64{toInt64(v)}, true
	}
	ids := make([]int64, 0, len(values))
	for _, e := range values {
		ids = append(ids, toInt64(e))
	}
	return ids, true
}

// Match reports whether an object satisfies every criterion by equality,
// or by membership for list values
func (c Criteria) Match(o Object) bool {
	for k, want := range c {
		have, ok := o[k]
		if !ok {
			return false
		}
		if values := listValues(want); values != nil {
			found := false
			for _, w := range values {
				if valueEqual(have, w) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !valueEqual(have, want) {
			return false
		}
	}
	return true
}

func listValues(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case []int64:
		out := make([]interface{}, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out
	case []int:
		out := make([]interface{}, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out
	case []string:
		out := make([]interface{}, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]interface{}, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out
	}
	return nil
}

func valueEqual(a, b interface{}) bool {
	if isNumber(a) && isNumber(b) {
		return toFloat(a) == toFloat(b)
	}
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aj) == string(bj)
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// Blocking decides when a find waits for the remote check
type Blocking string

const (
	BlockNever        Blocking = "never"
	BlockInsufficient Blocking = "insufficient"
	BlockIncomplete   Blocking = "incomplete"
	BlockExpired      Blocking = "expired"
)

// Query describes one find call
type Query struct {
	Location
	Criteria  Criteria `json:"criteria,omitempty"`
	Minimum   int      `json:"minimum,omitempty"`
	Expected  int      `json:"expected,omitempty"`
	Required  bool     `json:"required,omitempty"`
	Blocking  Blocking `json:"blocking,omitempty"`
	Committed bool     `json:"committed,omitempty"`
	Prefetch  bool     `json:"prefetch,omitempty"`

	// By names the requesting component, used for prefetch deduplication
	By string `json:"by,omitempty"`
}

// DiscoveryResult is the response of the discovery endpoint: parallel
// arrays of ids and generation numbers sorted by id
type DiscoveryResult struct {
	IDs []int64 `json:"ids"`
	GNs []int64 `json:"gns"`
}

// Notification reports that an object changed on the server
type Notification struct {
	Location
	ID int64 `json:"id"`
	GN int64 `json:"gn"`
}

// PushEvent is the raw message delivered by the server's notification channel
type PushEvent struct {
	Op     string                 `json:"op"`
	Schema string                 `json:"schema"`
	Table  string                 `json:"table"`
	ID     int64                  `json:"id"`
	GN     int64                  `json:"gn"`
	Diff   map[string]interface{} `json:"diff,omitempty"`
}

// SessionHandle is returned when a session is opened. Expire bounds how
// long the handle may wait for authorization.
type SessionHandle struct {
	Handle string    `json:"handle"`
	Expire time.Time `json:"etime,omitempty"`
}

// SessionInfo carries the authorization granted to a session
type SessionInfo struct {
	Token  string    `json:"token,omitempty"`
	UserID int64     `json:"user_id,omitempty"`
	Expire time.Time `json:"etime,omitempty"`
	Area   string    `json:"area,omitempty"`
}

// Credentials are exchanged for a token by the htpasswd endpoint
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EventType enumerates the events emitted to consumers
type EventType string

const (
	EventChange         EventType = "change"
	EventAuthentication EventType = "authentication"
	EventAuthorization  EventType = "authorization"
	EventExpiration     EventType = "expiration"
	EventViolation      EventType = "violation"
	EventStupefaction   EventType = "stupefaction"
)

// Event is delivered synchronously to registered listeners
type Event struct {
	Type     EventType
	Address  string
	Area     string
	Location *Location
	Query    *Query
	Results  []Object
	Err      error
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("remotesync: %s", e.Message)
}
