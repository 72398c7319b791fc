// Package patientcode formats and allocates the anonymized sequential codes
// (P-0001, P-0002, ...) that stand in for patient identities.
package patientcode

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Prefix precedes the number in every code.
const Prefix = "P-"

// ErrInvalidCode is returned by Parse for anything that is not P-<positive number>.
var ErrInvalidCode = errors.New("invalid patient code")

// Format renders n as a code. Numbers wider than four digits are not truncated.
func Format(n int) string {
	return fmt.Sprintf("%s%04d", Prefix, n)
}

// Parse extracts the number from a code.
func Parse(code string) (int, error) {
	digits, ok := strings.CutPrefix(code, Prefix)
	if !ok || digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return n, nil
}

// NextAvailable returns the smallest positive number not used by any of the
// given codes. Codes that do not parse are ignored.
func NextAvailable(codes []string) int {
	used := make([]int, 0, len(codes))
	for _, code := range codes {
		if n, err := Parse(code); err == nil {
			used = append(used, n)
		}
	}
	sort.Ints(used)

	next := 1
	for _, n := range used {
		if n < next {
			continue // duplicate
		}
		if n > next {
			break
		}
		next++
	}
	return next
}

// Next returns the first free code for the given existing codes.
func Next(codes []string) string {
	return Format(NextAvailable(codes))
}
