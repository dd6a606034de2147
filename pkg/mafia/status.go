package mafia

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the sale phase of a Mafia contract.
type Status uint8

// Phases, in wire order. The numeric values are the uint8 codes used by
// setStatus and status().
const (
	StatusClosed Status = iota
	StatusClaim
	StatusFree
	StatusPaid
	StatusEnded
)

var statusNames = [...]string{
	StatusClosed: "CLOSED",
	StatusClaim:  "CLAIM",
	StatusFree:   "FREE",
	StatusPaid:   "PAID",
	StatusEnded:  "ENDED",
}

// ParseStatusCode validates a wire-level status code.
func ParseStatusCode(code uint64) (Status, error) {
	if code >= uint64(len(statusNames)) {
		return 0, newError(KindInvalidArgument, fmt.Sprintf("unknown status code %d", code))
	}
	return Status(code), nil
}

// ParseStatus accepts a status name (case-insensitive) or its decimal code.
func ParseStatus(s string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range statusNames {
		if name == upper {
			return Status(i), nil
		}
	}
	if code, err := strconv.ParseUint(upper, 10, 8); err == nil {
		return ParseStatusCode(code)
	}
	return 0, newError(KindInvalidArgument, fmt.Sprintf("unknown status %q", s))
}

// Valid reports whether s is a known phase.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// String returns the phase name.
func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// AllowsFreeMint reports whether mint() is open.
func (s Status) AllowsFreeMint() bool {
	return s == StatusClaim || s == StatusFree
}

// AllowsPaidMint reports whether mintPaid() is open.
func (s Status) AllowsPaidMint() bool {
	return s == StatusFree || s == StatusPaid
}

// RequiresProof reports whether minting needs a whitelist proof.
func (s Status) RequiresProof() bool {
	return s == StatusClaim
}

// MarshalText encodes the phase name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a phase name or code.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
