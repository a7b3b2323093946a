package devices

import (
	"fmt"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

type Status int

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusStopped:
		return "STOPPED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var validTransitions = map[Status][]Status{
	StatusCreated:  {StatusStarting, StatusStopped},
	StatusStarting: {StatusRunning, StatusError},
	StatusRunning:  {StatusError, StatusStopping},
	StatusError:    {StatusStarting, StatusStopping},
	StatusStopping: {StatusStopped},
	StatusStopped:  {StatusStarting},
}

func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s: %w", from, simerr.ErrInvalidTransition)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("%s -> %s: %w", from, to, simerr.ErrInvalidTransition)
}
