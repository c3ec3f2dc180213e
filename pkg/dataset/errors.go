package dataset

import "fmt"

// InsufficientDataError means the dataset is too small or degenerate to fit
type InsufficientDataError struct {
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %s", e.Reason)
}

// UnknownTeamError means a requested team is not in the fitted team set
type UnknownTeamError struct {
	Team string
}

func (e *UnknownTeamError) Error() string {
	return fmt.Sprintf("unknown team: %q", e.Team)
}
