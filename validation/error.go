package validation

import "fmt"

// ErrorCode identifies a kind of consensus rule violation.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrInsufficientWork indicates the block header hash does not meet
	// the target difficulty encoded in its compact bits field.
	ErrInsufficientWork ErrorCode = iota

	// ErrBadDifficultyAdjustment indicates the compact bits field of a
	// header does not match the value required by the difficulty retarget
	// schedule at its position in the chain.
	ErrBadDifficultyAdjustment

	// ErrTimestampOutOfRange indicates a header timestamp is either not
	// after the median time of its recent ancestors or too far in the
	// future relative to the adjusted local clock.
	ErrTimestampOutOfRange

	// ErrCheckpointMismatch indicates a header at a known checkpoint
	// height does not match the pinned checkpoint hash. This is fatal for
	// the branch carrying the header.
	ErrCheckpointMismatch

	// ErrUnknownAncestor indicates an ancestor header needed to evaluate
	// a rule could not be retrieved.
	ErrUnknownAncestor
)

var errorCodeStrings = map[ErrorCode]string{
	ErrInsufficientWork:        "ErrInsufficientWork",
	ErrBadDifficultyAdjustment: "ErrBadDifficultyAdjustment",
	ErrTimestampOutOfRange:     "ErrTimestampOutOfRange",
	ErrCheckpointMismatch:      "ErrCheckpointMismatch",
	ErrUnknownAncestor:         "ErrUnknownAncestor",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a consensus rule violation. It is used to indicate
// that processing of a header failed due to one of the many validation rules.
// The caller can use type assertions to determine the specific rule violated.
type RuleError struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// ErrorIs returns whether err is a RuleError carrying the given code.
func ErrorIs(err error, c ErrorCode) bool {
	rerr, ok := err.(RuleError)
	return ok && rerr.ErrorCode == c
}
