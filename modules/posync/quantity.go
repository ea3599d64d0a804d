package posync

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseQuantity validates operator-entered quantity text.
//
// Only positive whole numbers are accepted; everything else wraps
// ErrInvalidQuantity.
func ParseQuantity(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidQuantity)
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuantity, raw)
	}
	if err := validQuantity(n); err != nil {
		return 0, err
	}
	return n, nil
}

func validQuantity(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, n)
	}
	return nil
}

// quantityUpdated reports whether s is the service's "quantity updated"
// status text, ignoring case and spacing.
func quantityUpdated(s string) bool {
	s = strings.TrimRight(strings.Join(strings.Fields(s), ""), ".!")
	return strings.EqualFold(s, "quantityupdated")
}
