package arenadto

import "encoding/json"

// Intent types accepted from clients.
const (
	IntentCreateGame  = "createGame"
	IntentJoinGame    = "joinGame"
	IntentWatchGame   = "watchGame"
	IntentMakeMove    = "makeMove"
	IntentSendMessage = "sendMessage"
	IntentListOpen    = "listOpenGames"
	IntentListMine    = "listMyGames"
	IntentGameInfo    = "getGameInfo"
	IntentResumeGame  = "resumeGame"
	IntentResign      = "resign"
)

// Intent is the client frame envelope.
type Intent struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type CreateGameRequest struct {
	Mode        string `json:"mode"`
	ColorChoice string `json:"colorChoice"`
	TimeLimit   *int   `json:"timeLimit,omitempty"`
	IsPublic    *bool  `json:"isPublic,omitempty"`
}

// GameRef carries a bare game id (joinGame, watchGame, getGameInfo, resumeGame, resign).
type GameRef struct {
	GameID string `json:"gameId"`
}

type MakeMoveRequest struct {
	GameID   string `json:"gameId"`
	MoveText string `json:"moveText"`
}

type SendMessageRequest struct {
	GameID string `json:"gameId"`
	Text   string `json:"text"`
}
