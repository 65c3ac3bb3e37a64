package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressSeparator splits the batch name from the run id
const AddressSeparator = ":"

// Address identifies a run within an experiment as batch:id
type Address struct {
	Batch string
	RunID int
}

// ParseAddress parses a string like "baseline:3". The string is split on the
// first separator; the remainder must be a non-negative integer.
func ParseAddress(s string) (Address, error) {
	batch, id, found := strings.Cut(s, AddressSeparator)
	if !found {
		return Address{}, fmt.Errorf("invalid address %q (expected batch:id)", s)
	}
	if id == "" || strings.TrimLeft(id, "0123456789") != "" {
		return Address{}, fmt.Errorf("invalid run id in address %q", s)
	}
	runID, err := strconv.Atoi(id)
	if err != nil {
		return Address{}, fmt.Errorf("invalid run id in address %q", s)
	}
	return Address{Batch: batch, RunID: runID}, nil
}

// String returns the canonical string representation
func (a Address) String() string {
	return FormatAddress(a.Batch, a.RunID)
}

// FormatAddress builds the address string for a run
func FormatAddress(batch string, runID int) string {
	return batch + AddressSeparator + strconv.Itoa(runID)
}
