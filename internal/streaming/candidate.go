package streaming

import "fmt"

// State is where a candidate is in its load lifecycle.
type State int

const (
	NotLoaded State = iota
	Streaming
	Loaded
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Streaming:
		return "streaming"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Candidate is a texture the scheduler streams in while it is near the viewpoint.
type Candidate struct {
	Path        string
	Anchor      Vec3
	DetailLevel int // >= 0, higher is coarser

	Priority     float64
	State        State
	LastDistance float64

	// KnownBytes is the resident size seen on the last successful load,
	// zero until the candidate has loaded once.
	KnownBytes int64
}

// CandidateCounts summarizes the registered candidates by state.
type CandidateCounts struct {
	Total     int `json:"total"`
	NotLoaded int `json:"not_loaded"`
	Streaming int `json:"streaming"`
	Loaded    int `json:"loaded"`
	InFlight  int `json:"in_flight"`
}
