package datasource

import (
	"errors"
	"fmt"

	"github.com/nkkko/remotesync/pkg/proto"
)

var (
	// ErrInactive is returned when remote work is needed while the data source is deactivated
	ErrInactive = errors.New("data source is inactive")

	// ErrStupefaction marks a required read that produced fewer results than expected
	ErrStupefaction = errors.New("required results missing")
)

// StupefactionError reports a required query the server could not satisfy
type StupefactionError struct {
	Query    proto.Query
	Expected int
	Actual   int
}

func (e *StupefactionError) Error() string {
	return fmt.Sprintf("%s: expected %d results from %s, got %d",
		ErrStupefaction.Error(), e.Expected, e.Query.Location.String(), e.Actual)
}

// Unwrap allows errors.Is(err, ErrStupefaction)
func (e *StupefactionError) Unwrap() error {
	return ErrStupefaction
}
