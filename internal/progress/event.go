package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobResume   Stage = "JOB_RESUME"
	StageTargetStart Stage = "TARGET_START"
	StageTargetDone  Stage = "TARGET_DONE"
	StageJobDone     Stage = "JOB_DONE"
)

// Result labels attached to TARGET_DONE and JOB_DONE events.
const (
	ResultSuccess   = "success"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultCompleted = "completed"
	ResultStopped   = "stopped"
)

// Event is one milestone of a job run.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// TargetID and Index scope target events.
	TargetID string
	Index    int
	// Site is the target host, used as a metric label.
	Site string
	// Result is required for TARGET_DONE and JOB_DONE.
	Result string
	// Posts is the acknowledged record count of a successful target.
	Posts int
	// Dur is the automation time for targets and the run time for jobs.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobResume:
	case StageTargetStart:
		if e.TargetID == "" {
			return errors.New("target start requires target id")
		}
	case StageTargetDone:
		if e.TargetID == "" {
			return errors.New("target done requires target id")
		}
		switch e.Result {
		case ResultSuccess, ResultFailed, ResultSkipped:
		default:
			return fmt.Errorf("target done has unknown result %q", e.Result)
		}
	case StageJobDone:
		switch e.Result {
		case ResultCompleted, ResultFailed, ResultStopped:
		default:
			return fmt.Errorf("job done has unknown result %q", e.Result)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
