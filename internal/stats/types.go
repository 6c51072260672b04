package stats

import "time"

// Source identifies which kind of component produced a sample
type Source int

const (
	SourcePool Source = iota
	SourceWorkQueue
	SourceMailbox
	SourceCustom
)

// String returns the name stored in the journal
func (s Source) String() string {
	switch s {
	case SourcePool:
		return "pool"
	case SourceWorkQueue:
		return "workqueue"
	case SourceMailbox:
		return "mailbox"
	case SourceCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Sample is a named set of counters taken from one component at one instant
type Sample struct {
	Source   Source
	Name     string
	TakenAt  time.Time
	Counters map[string]int64
}

// Probe reads the current counters of a watched component
type Probe func() map[string]int64

type watch struct {
	source Source
	name   string
	probe  Probe
}
