package manager

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

const maxMoveText = 16

func invalid(msg string) error {
	return game.Reject(game.CodeInvalidArgument, msg)
}

func decode(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalid("payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalid("malformed payload")
	}
	return nil
}

// parseGameID accepts any uuid spelling and returns the canonical form.
func parseGameID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("gameId is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", invalid("gameId must be a uuid")
	}
	return id.String(), nil
}

func gameRef(raw json.RawMessage) (string, error) {
	var req arenadto.GameRef
	if err := decode(raw, &req); err != nil {
		return "", err
	}
	return parseGameID(req.GameID)
}

// configFrom checks the enumerations of a createGame payload. Range checks on the time limit are left to
// game.Config.Validate.
func configFrom(req arenadto.CreateGameRequest) (game.Config, error) {
	cfg := game.Config{Visibility: game.VisibilityPublic, TimeLimit: req.TimeLimit}

	switch game.Mode(strings.ToLower(strings.TrimSpace(req.Mode))) {
	case game.ModeFriend:
		cfg.Mode = game.ModeFriend
	case game.ModeBot:
		cfg.Mode = game.ModeBot
	default:
		return game.Config{}, invalid("mode must be friend or bot")
	}

	switch game.ColorChoice(strings.ToLower(strings.TrimSpace(req.ColorChoice))) {
	case game.ChooseWhite:
		cfg.ColorChoice = game.ChooseWhite
	case game.ChooseBlack:
		cfg.ColorChoice = game.ChooseBlack
	case game.ChooseRandom, "":
		cfg.ColorChoice = game.ChooseRandom
	default:
		return game.Config{}, invalid("colorChoice must be white, black or random")
	}

	if req.IsPublic != nil && !*req.IsPublic {
		cfg.Visibility = game.VisibilityPrivate
	}
	return cfg, nil
}

func moveText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", invalid("moveText is required")
	}
	if len(text) > maxMoveText {
		return "", invalid("moveText is too long")
	}
	return text, nil
}

func messageText(raw string, limit int) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", invalid("text is required")
	}
	if !utf8.ValidString(text) {
		return "", invalid("text must be valid utf-8")
	}
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		return "", invalid("text is too long")
	}
	return text, nil
}
