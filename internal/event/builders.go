package event

import (
	"HalvingMassacre/internal/game"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	FirstPowerMessage = "Your first power!"
	SurvivorMessage   = "You survived the massacre!"
)

// ChampionMessage is sent to each survivor of the final massacre.
func ChampionMessage(walias string) string {
	return "The fight raged on for a century. Many lives were claimed but eventually " +
		"the champion stood, the rest saw their better: " + walias + "."
}

// Reference markers on "e" tags.
const (
	RefZapReceipt   = "zap-receipt"
	RefMassacre     = "massacre"
	RefLastModifier = "lastModifier"
)

func baseTags(gameID string, label Label, block int64) [][]string {
	return [][]string{
		{"e", gameID, "", "setup"},
		{"L", Namespace},
		{"l", string(label), Namespace},
		{"block", strconv.FormatInt(block, 10)},
	}
}

func newMessage(kind Kind, tags [][]string, content interface{}) (*Message, error) {
	var body string
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
		body = string(b)
	}
	return &Message{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   body,
	}, nil
}

type freezeContent struct {
	CurrentBlock int64            `json:"currentBlock"`
	Players      map[string]int64 `json:"players"`
}

// Freeze publishes the alive power table before the massacre block is known.
func Freeze(st *game.State) (*Message, error) {
	return newMessage(KindRegular,
		baseTags(st.Game.ID, LabelFreeze, st.Game.CurrentBlock),
		freezeContent{
			CurrentBlock: st.Game.CurrentBlock,
			Players:      game.PowerTable(st.Alive(), 0),
		})
}

type massacreContent struct {
	Block       Block            `json:"block"`
	Players     map[string]int64 `json:"players"`
	DeadPlayers map[string]int64 `json:"deadPlayers"`
	Delta       int64            `json:"delta"`
}

// Massacre announces a massacre result. st is read after the result was
// applied; round is the round that was massacred.
func Massacre(st *game.State, round game.Round, block Block, delta int64) (*Message, error) {
	tags := baseTags(st.Game.ID, LabelMassacre, block.Height)
	tags = append(tags,
		[]string{"hash", block.ID},
		[]string{"t", fmt.Sprintf("round:%d", round.Number+1)},
	)
	return newMessage(KindRegular, tags, massacreContent{
		Block:       block,
		Players:     game.PowerTable(st.Alive(), 0),
		DeadPlayers: game.PowerTable(st.DiedIn(round.ID), 0),
		Delta:       delta,
	})
}

type powerReceiptContent struct {
	Amount  int64  `json:"amount"`
	Message string `json:"message"`
	Player  string `json:"player"`
}

// PowerReceipt confirms power credited to a player. ref is the id of the
// message that caused it and marker its kind (RefZapReceipt or RefMassacre).
func PowerReceipt(gameID string, block, amount int64, walias, message, ref, marker string) (*Message, error) {
	tags := baseTags(gameID, LabelPowerReceipt, block)
	tags = append(tags,
		[]string{"e", ref, "", marker},
		[]string{"i", walias},
		[]string{"amount", strconv.FormatInt(amount, 10)},
	)
	return newMessage(KindRegular, tags, powerReceiptContent{
		Amount:  amount,
		Message: message,
		Player:  walias,
	})
}

// Ticket confirms a paid ticket.
func Ticket(gameID string, block int64, walias, receiptID string) (*Message, error) {
	tags := baseTags(gameID, LabelTicket, block)
	tags = append(tags,
		[]string{"e", receiptID, "", RefZapReceipt},
		[]string{"i", walias},
	)
	return newMessage(KindRegular, tags, struct {
		Player string `json:"player"`
	}{walias})
}

type roundJSON struct {
	ID             string `json:"id"`
	Number         int    `json:"number"`
	MassacreHeight int64  `json:"massacreHeight"`
	FreezeHeight   int64  `json:"freezeHeight"`
	Survivors      int    `json:"survivors"`
}

type stateContent struct {
	ID            string           `json:"id"`
	Status        game.Status      `json:"status"`
	CurrentBlock  int64            `json:"currentBlock"`
	CurrentPool   int64            `json:"currentPool"`
	TicketPrice   int64            `json:"ticketPrice"`
	MinBet        int64            `json:"minBet"`
	FinalBlock    int64            `json:"finalBlock"`
	PoolPubKey    string           `json:"poolPubKey"`
	CurrentRound  roundJSON        `json:"currentRound"`
	Top100Players map[string]int64 `json:"top100Players"`
	PlayerCount   int              `json:"playerCount"`
}

// State is the replaceable snapshot of a game.
func State(st *game.State, lastModifier string) (*Message, error) {
	g := st.Game
	r := st.CurrentRound
	tags := [][]string{
		{"d", "state:" + g.ID},
		{"e", g.ID, "", "setup"},
		{"e", lastModifier, "", RefLastModifier},
		{"L", Namespace},
		{"l", string(LabelState), Namespace},
		{"block", strconv.FormatInt(g.CurrentBlock, 10)},
	}
	return newMessage(KindReplaceable, tags, stateContent{
		ID:           g.ID,
		Status:       g.Status,
		CurrentBlock: g.CurrentBlock,
		CurrentPool:  g.CurrentPool,
		TicketPrice:  g.TicketPrice,
		MinBet:       g.MinBet,
		FinalBlock:   g.FinalBlock,
		PoolPubKey:   g.PoolPubKey,
		CurrentRound: roundJSON{
			ID:             r.ID,
			Number:         r.Number,
			MassacreHeight: r.MassacreHeight,
			FreezeHeight:   r.FreezeHeight,
			Survivors:      r.Survivors,
		},
		Top100Players: game.PowerTable(st.RoundPlayers(), game.TopPlayers),
		PlayerCount:   len(st.Players),
	})
}

type profileContent struct {
	Walias       string `json:"walias"`
	Power        int64  `json:"power"`
	Alive        bool   `json:"alive"`
	DeathRoundID string `json:"deathRoundId,omitempty"`
	Zapped       int64  `json:"zapped"`
	ZapCount     int64  `json:"zapCount"`
	MaxZap       int64  `json:"maxZap"`
}

// Profile is the replaceable per-player snapshot.
func Profile(gameID string, block int64, p game.Player, lastModifier string) (*Message, error) {
	tags := [][]string{
		{"d", fmt.Sprintf("profile:%s:%s", gameID, p.Walias)},
		{"e", gameID, "", "setup"},
		{"e", lastModifier, "", RefLastModifier},
		{"L", Namespace},
		{"l", string(LabelProfile), Namespace},
		{"i", p.Walias},
		{"block", strconv.FormatInt(block, 10)},
	}
	return newMessage(KindReplaceable, tags, profileContent{
		Walias:       p.Walias,
		Power:        p.Power,
		Alive:        p.Alive(),
		DeathRoundID: p.DeathRoundID,
		Zapped:       p.Zapped,
		ZapCount:     p.ZapCount,
		MaxZap:       p.MaxZap,
	})
}

// Start announces the schedule of a game that opened.
func Start(gameID string, block int64, schedule []game.ScheduleEntry) (*Message, error) {
	return newMessage(KindRegular, baseTags(gameID, LabelStart, block), struct {
		MassacreSchedule []game.ScheduleEntry `json:"massacreSchedule"`
	}{schedule})
}

// Close announces a cancelled game.
func Close(gameID string, block int64) (*Message, error) {
	return newMessage(KindRegular, baseTags(gameID, LabelClose, block), nil)
}
