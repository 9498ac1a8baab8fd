package arenadto

import (
	"encoding/json"
	"time"
)

// Event types emitted to clients.
const (
	EventGameCreated   = "gameCreated"
	EventGameStarted   = "gameStarted"
	EventMoveMade      = "moveMade"
	EventInvalidMove   = "invalidMove"
	EventGameOver      = "gameOver"
	EventNewMessage    = "newMessage"
	EventWatcherJoined = "watcherJoined"
	EventWatcherLeft   = "watcherLeft"
	EventError         = "error"
	EventSnapshot      = "snapshot"
	EventGameList      = "gameList"
	EventGameInfo      = "gameInfo"
	EventGameResumed   = "gameResumed"
)

// Event is the server frame envelope.
type Event struct {
	Type      string `json:"type"`
	GameID    string `json:"gameId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// RawEvent is Event as seen by a client before the payload is decoded.
type RawEvent struct {
	Type      string          `json:"type"`
	GameID    string          `json:"gameId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// GameSummary is the public view of a game.
type GameSummary struct {
	ID             string     `json:"id"`
	Mode           string     `json:"mode"`
	Visibility     string     `json:"visibility"`
	ColorChoice    string     `json:"colorChoice"`
	TimeLimit      *int       `json:"timeLimit,omitempty"`
	Status         string     `json:"status"`
	CreatorID      string     `json:"creatorId"`
	SecondPlayerID string     `json:"secondPlayerId,omitempty"`
	WhiteID        string     `json:"whiteId,omitempty"`
	BlackID        string     `json:"blackId,omitempty"`
	Winner         string     `json:"winner,omitempty"`
	Termination    string     `json:"termination,omitempty"`
	Turn           string     `json:"turn,omitempty"`
	FEN            string     `json:"fen,omitempty"`
	Ply            int        `json:"ply"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

type MoveRecord struct {
	Seq      int       `json:"seq"`
	ActorID  string    `json:"actorId"`
	MoveText string    `json:"moveText"`
	UCI      string    `json:"uci"`
	SAN      string    `json:"san"`
	FEN      string    `json:"fen,omitempty"`
	PlayedAt time.Time `json:"playedAt"`
}

type MessageRecord struct {
	ActorID   string    `json:"actorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MoveMade is the moveMade payload; FEN is the resulting position summary.
type MoveMade struct {
	Seq      int    `json:"seq"`
	ActorID  string `json:"actorId"`
	MoveText string `json:"moveText"`
	UCI      string `json:"uci"`
	SAN      string `json:"san"`
	FEN      string `json:"fen,omitempty"`
	Turn     string `json:"turn,omitempty"`
}

type InvalidMove struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type GameOver struct {
	Winner      string `json:"winner"`
	Termination string `json:"termination"`
}

type NewMessage struct {
	ActorID   string    `json:"actorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type WatcherPresence struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Snapshot is a full state for resynchronising a connection.
type Snapshot struct {
	Game     GameSummary     `json:"game"`
	Moves    []MoveRecord    `json:"moves"`
	Messages []MessageRecord `json:"messages"`
}

type GameList struct {
	Scope string        `json:"scope"`
	Games []GameSummary `json:"games"`
}
