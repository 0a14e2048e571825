package enrich

import (
	"errors"
	"fmt"
)

// ErrNoEstimate means the valuation source answered but had no usable
// estimate for the address. Such outcomes are cached.
var ErrNoEstimate = errors.New("no estimate available")

// ParseError indicates estimate text could not be read as an amount.
type ParseError struct {
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse estimate %q", e.Text)
}

func (e *ParseError) Unwrap() error {
	return ErrNoEstimate
}
