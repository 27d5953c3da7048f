package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/ReelGo/internal/fault"
	"github.com/cjeanneret/ReelGo/internal/imaging"
	"github.com/cjeanneret/ReelGo/internal/logic/evaluate"
	"github.com/cjeanneret/ReelGo/internal/logic/fsm"
	"github.com/cjeanneret/ReelGo/internal/logic/stitch"
)

// FrameRecord is one capture and its verdict. Records are never modified
// once the frame is accepted.
type FrameRecord struct {
	Seq        int
	Frame      *imaging.Frame
	Verdict    evaluate.Verdict
	CapturedAt time.Time
	Path       string // set once the frame is written
}

// Session is the state of one scan run, owned by the controller.
type Session struct {
	ID         string
	MaxFrames  int
	FrameCount int
	Accepted   []*FrameRecord // capture order
	Retries    int            // rejected captures at the current position
	Recoveries int            // camera/motor recoveries at the current position
	LastError  *fault.Fault
	OutputDir  string
	Pending    *FrameRecord // captured, not yet evaluated
	Started    time.Time
	Ended      time.Time
	FilmEnd    *evaluate.FilmEnd // set when the film-end gate stopped the scan
	Composite  string            // path of the written composite

	result *stitch.Result
	// owed is the first step still due for the newest accepted frame when
	// a pause parked the scan after acceptance; empty otherwise.
	owed fsm.State
}

func newSession(maxFrames int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		MaxFrames: maxFrames,
		Started:   time.Now(),
	}
}

// last returns the most recently accepted frame, or nil.
func (s *Session) last() *FrameRecord {
	if len(s.Accepted) == 0 {
		return nil
	}
	return s.Accepted[len(s.Accepted)-1]
}

// Status is a point-in-time view of the controller, safe to share.
type Status struct {
	State      fsm.State `json:"state"`
	FrameCount int       `json:"frame_count"`
	MaxFrames  int       `json:"max_frames"`
	SessionID  string    `json:"session_id,omitempty"`
	Retries    int       `json:"retries"`
	Position   int       `json:"position"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorHint  string    `json:"error_hint,omitempty"`

	LastVerdict *evaluate.Verdict `json:"last_verdict,omitempty"`
	FilmEnd     bool              `json:"film_end"`

	Placed            int    `json:"placed"`
	AlignmentFailures int    `json:"alignment_failures"`
	OutputDir         string `json:"output_dir,omitempty"`
	Composite         string `json:"composite,omitempty"`

	Started time.Time `json:"started"`
	Elapsed float64   `json:"elapsed_seconds"`
}

// status builds a Status from the session; the caller holds the controller lock.
func (s *Session) status(state fsm.State, position int, verdict *evaluate.Verdict) Status {
	st := Status{State: state, Position: position}
	if s == nil {
		return st
	}
	st.FrameCount = s.FrameCount
	st.MaxFrames = s.MaxFrames
	st.SessionID = s.ID
	st.Retries = s.Retries
	st.OutputDir = s.OutputDir
	st.Composite = s.Composite
	st.FilmEnd = s.FilmEnd != nil
	st.Started = s.Started
	if s.LastError != nil {
		st.LastError = s.LastError.Error()
		st.ErrorHint = string(s.LastError.Hint)
	}
	if verdict != nil {
		v := *verdict
		st.LastVerdict = &v
	}
	if s.result != nil {
		st.Placed = len(s.result.Placements)
		st.AlignmentFailures = len(s.result.Failed)
	}
	end := s.Ended
	if end.IsZero() {
		end = time.Now()
	}
	st.Elapsed = end.Sub(s.Started).Seconds()
	return st
}
