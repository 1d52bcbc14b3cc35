package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration marks errors that no retry can fix. The scheduler stops on them.
var ErrConfiguration = errors.New("configuration error")

var (
	ErrMissingCredential  = fmt.Errorf("%w: missing credential", ErrConfiguration)
	ErrCredentialRejected = fmt.Errorf("%w: credential rejected", ErrConfiguration)
	ErrUnknownLoginMode   = fmt.Errorf("%w: unknown login mode", ErrConfiguration)
)

var (
	ErrFileMigrated  = errors.New("media migrated to another location")
	ErrTimeout       = errors.New("upstream timeout")
	ErrMediaNotFound = errors.New("media not found")
)

var ErrSweepInProgress = errors.New("sweep already in progress")

// FloodWaitError is the upstream instruction to pause requests.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %ds", e.Seconds)
}

// Wait returns the cooldown, never negative.
func (e *FloodWaitError) Wait() time.Duration {
	if e.Seconds < 0 {
		return 0
	}
	return time.Duration(e.Seconds) * time.Second
}
