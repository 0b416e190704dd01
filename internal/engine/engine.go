package engine

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")
var ErrCompetitionNotRunning = errors.New("competition not running")
var ErrAthleteNotEnrolled = errors.New("athlete not enrolled")
var ErrNoEntrants = errors.New("competition has no entrants")
var ErrInvalidRound = errors.New("invalid round number")
var ErrWrongRound = errors.New("shot round is not the current round")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Phase string

const (
	PhaseCreated   Phase = "CREATED"
	PhaseRunning   Phase = "RUNNING"
	PhasePaused    Phase = "PAUSED"
	PhaseCompleted Phase = "COMPLETED"
	// PhaseCanceled is only ever a requested target or a durable status;
	// a canceled competition has no in-memory State.
	PhaseCanceled Phase = "CANCELED"
)

// TransitionError reports a lifecycle command that is not allowed from the
// current phase. It matches ErrInvalidTransition with errors.Is. To is empty
// for commands that do not move the competition to another phase.
type TransitionError struct {
	Command CommandType
	From    Phase
	To      Phase
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("invalid lifecycle transition: %s not allowed from %s", e.Command, e.From)
	}
	return fmt.Sprintf("invalid lifecycle transition: %s from %s to %s", e.Command, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type State struct {
	CompetitionID int64
	Phase         Phase
	StartedAt     time.Time
	PausedAt      time.Time // non-zero iff Phase == PhasePaused
	TotalPaused   time.Duration
	CurrentRound  int
	ShotCounts    map[int64]int
	Entrants      map[int64]bool
}

type CommandType string

const (
	CmdStart      CommandType = "Start"
	CmdPause      CommandType = "Pause"
	CmdResume     CommandType = "Resume"
	CmdComplete   CommandType = "Complete"
	CmdCancel     CommandType = "Cancel"
	CmdStartRound CommandType = "StartRound"
	CmdRecordShot CommandType = "RecordShot"
)

/*
	CmdStart      -> EvtStarted
	CmdPause      -> EvtPaused
	CmdResume     -> EvtResumed
	CmdComplete   -> EvtCompleted (+ EvtElapsedClamped when the clock went backwards)
	CmdCancel     -> EvtCanceled, state dropped
	CmdStartRound -> EvtRoundStarted, shot counters cleared
	CmdRecordShot -> EvtShotCounted
*/

type Command struct {
	Type      CommandType
	At        time.Time
	Round     int
	AthleteID int64
	Entrants  []int64 // CmdStart only: the accepted roster at start time
}

type EventType string

const (
	EvtStarted        EventType = "Started"
	EvtPaused         EventType = "Paused"
	EvtResumed        EventType = "Resumed"
	EvtCompleted      EventType = "Completed"
	EvtCanceled       EventType = "Canceled"
	EvtRoundStarted   EventType = "RoundStarted"
	EvtShotCounted    EventType = "ShotCounted"
	EvtElapsedClamped EventType = "ElapsedClamped"
)

type Event struct {
	Type      EventType
	Phase     Phase
	Round     int
	AthleteID int64
	Elapsed   time.Duration // EvtCompleted: counted duration; EvtElapsedClamped: the raw negative value
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never modified; on error the returned state is s.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if _, ok := sources[cmd.Type]; !ok {
		return nil, s, ErrUnsupportedCommand
	}
	if !allowed(cmd.Type, s.Phase) {
		if cmd.Type == CmdRecordShot {
			return nil, s, ErrCompetitionNotRunning
		}
		return nil, s, &TransitionError{Command: cmd.Type, From: s.Phase, To: Target(cmd.Type)}
	}

	newState := s.Clone()

	switch cmd.Type {
	case CmdStart:
		if len(cmd.Entrants) == 0 {
			return nil, s, ErrNoEntrants
		}
		newState.Entrants = make(map[int64]bool, len(cmd.Entrants))
		for _, id := range cmd.Entrants {
			newState.Entrants[id] = true
		}
		newState.Phase = PhaseRunning
		if newState.StartedAt.IsZero() {
			newState.StartedAt = cmd.At
		}
		if newState.CurrentRound < 1 {
			newState.CurrentRound = 1
		}
		return []Event{{Type: EvtStarted, Phase: PhaseRunning, Round: newState.CurrentRound}}, newState, nil

	case CmdPause:
		newState.Phase = PhasePaused
		newState.PausedAt = cmd.At
		return []Event{{Type: EvtPaused, Phase: PhasePaused, Round: newState.CurrentRound}}, newState, nil

	case CmdResume:
		newState.TotalPaused += nonNegative(cmd.At.Sub(s.PausedAt))
		newState.PausedAt = time.Time{}
		newState.Phase = PhaseRunning
		return []Event{{Type: EvtResumed, Phase: PhaseRunning, Round: newState.CurrentRound}}, newState, nil

	case CmdComplete:
		// An open pause is closed at completion time so it is counted once.
		if s.Phase == PhasePaused {
			newState.TotalPaused += nonNegative(cmd.At.Sub(s.PausedAt))
			newState.PausedAt = time.Time{}
		}
		newState.Phase = PhaseCompleted

		elapsed := cmd.At.Sub(s.StartedAt) - newState.TotalPaused
		events := []Event{}
		if elapsed < 0 {
			events = append(events, Event{Type: EvtElapsedClamped, Phase: PhaseCompleted, Elapsed: elapsed})
			elapsed = 0
		}
		events = append([]Event{{Type: EvtCompleted, Phase: PhaseCompleted, Round: newState.CurrentRound, Elapsed: elapsed}}, events...)
		return events, newState, nil

	case CmdCancel:
		return []Event{{Type: EvtCanceled, Phase: PhaseCanceled, Round: s.CurrentRound}}, State{CompetitionID: s.CompetitionID}, nil

	case CmdStartRound:
		if cmd.Round < 1 {
			return nil, s, ErrInvalidRound
		}
		newState.CurrentRound = cmd.Round
		newState.ShotCounts = map[int64]int{}
		return []Event{{Type: EvtRoundStarted, Phase: newState.Phase, Round: cmd.Round}}, newState, nil

	case CmdRecordShot:
		if err := CheckShot(s, cmd.AthleteID, cmd.Round); err != nil {
			return nil, s, err
		}
		newState.ShotCounts[cmd.AthleteID]++
		return []Event{{Type: EvtShotCounted, Phase: s.Phase, Round: s.CurrentRound, AthleteID: cmd.AthleteID}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// CheckShot reports whether athleteID may record a shot for round in s right
// now. Only the current round is open; per-round counters would otherwise
// disagree with a recount from the stored shots.
func CheckShot(s State, athleteID int64, round int) error {
	if s.Phase != PhaseRunning {
		return ErrCompetitionNotRunning
	}
	if !s.Entrants[athleteID] {
		return ErrAthleteNotEnrolled
	}
	if round != s.CurrentRound {
		return ErrWrongRound
	}
	return nil
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
