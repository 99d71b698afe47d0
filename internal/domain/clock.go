package domain

import "time"

// Clock abstracts the wall clock so hold-expiry logic is testable without
// sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func NewClock() Clock { return realClock{} }
