// Package types is the wire contract shared with clients of the live
// competition channels.
//
// Channels, per competition id:
//
//	competition/{id}         SHOOTING_RECORD, RANKING_UPDATE, NOTICE, error
//	competition/{id}/status  COMPETITION_STATUS
//
// Client -> Server (websocket on competition/{id}):
//
//	{"type":"SHOT","data":{"athleteId":1,"roundNumber":1,"shotNumber":3,"x":1.5,"y":-0.2,"score":"10.4"}}
//
// The server stamps ingestion time; a client-supplied timestamp is ignored.
// Failed submissions are answered on the competition channel with an
// {"type":"error","data":"<reason>"} envelope.
package types

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	TypeShootingRecord    = "SHOOTING_RECORD"
	TypeRankingUpdate     = "RANKING_UPDATE"
	TypeCompetitionStatus = "COMPETITION_STATUS"
	TypeNotice            = "NOTICE"
	TypeError             = "error"

	TypeShot = "SHOT"
)

// Envelope is every server -> client frame.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusPayload is the data of a COMPETITION_STATUS envelope.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Round   int    `json:"round,omitempty"`
}

// ClientMessage is every client -> server frame.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ShotSubmission is the data of a SHOT frame and the body of the REST shot
// endpoint. CompetitionID comes from the channel or URL when omitted.
type ShotSubmission struct {
	CompetitionID int64           `json:"competitionId,omitempty" validate:"gt=0"`
	AthleteID     int64           `json:"athleteId" validate:"gt=0"`
	RoundNumber   int             `json:"roundNumber" validate:"gte=1"`
	ShotNumber    int             `json:"shotNumber" validate:"gte=1"`
	X             float64         `json:"x"`
	Y             float64         `json:"y"`
	Score         decimal.Decimal `json:"score" validate:"gte=0"`
}
