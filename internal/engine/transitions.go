package engine

import "slices"

// sources lists, per command, the phases it may be applied from.
var sources = map[CommandType][]Phase{
	CmdStart:      {PhaseCreated},
	CmdPause:      {PhaseRunning},
	CmdResume:     {PhasePaused},
	CmdComplete:   {PhaseRunning, PhasePaused},
	CmdCancel:     {PhaseCreated, PhaseRunning, PhasePaused},
	CmdStartRound: {PhaseRunning, PhasePaused},
	CmdRecordShot: {PhaseRunning},
}

// targetPhase covers lifecycle commands only; StartRound and RecordShot
// leave the phase as it is.
var targetPhase = map[CommandType]Phase{
	CmdStart:    PhaseRunning,
	CmdPause:    PhasePaused,
	CmdResume:   PhaseRunning,
	CmdComplete: PhaseCompleted,
	CmdCancel:   PhaseCanceled,
}

func allowed(cmd CommandType, from Phase) bool {
	return slices.Contains(sources[cmd], from)
}

// Target is the phase cmd moves a competition to, or "" when cmd does not
// change the phase.
func Target(cmd CommandType) Phase {
	return targetPhase[cmd]
}
