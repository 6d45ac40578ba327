// Package flow implements the conversation orchestration engine for
// post-operative follow-up questionnaires.
package flow

import "time"

// Clock abstracts wall-clock time so validity windows and day boundaries can
// be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
