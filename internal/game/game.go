// Package game holds the massacre domain model: games, their round schedule,
// players and the payment receipts that fund them.
package game

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// TicketGrant is the power every player receives when their ticket is paid.
const TicketGrant int64 = 21000

// TopPlayers is the size of the leaderboard carried in a state snapshot.
const TopPlayers = 100

var waliasRE = regexp.MustCompile(`(?i)^[a-z0-9._-]{1,64}@(?:[a-z0-9-]{1,63}\.){1,125}[a-z]{2,63}$`)

type Game struct {
	ID             string
	Status         Status
	CurrentBlock   int64
	CurrentPool    int64 // msats
	TicketPrice    int64 // msats
	MinBet         int64 // msats
	CurrentRoundID string
	FinalBlock     int64
	PoolPubKey     string
	CreatedAt      time.Time
}

type Round struct {
	ID             string
	GameID         string
	Number         int
	MassacreHeight int64
	FreezeHeight   int64
	Survivors      int
	NextRoundID    string // empty on the last round
	PrevRoundID    string // empty on the first round
}

// IsFinal reports whether this round's massacre ends the game.
func (r *Round) IsFinal() bool {
	return r.NextRoundID == ""
}

type Player struct {
	ID           string
	GameID       string
	Walias       string
	TicketID     string
	Power        int64
	DeathRoundID string // empty while alive
	Zapped       int64
	ZapCount     int64
	MaxZap       int64
}

func (p *Player) Alive() bool {
	return p.DeathRoundID == ""
}

// ApplyZap credits a paid amount as power and updates zap statistics.
func (p *Player) ApplyZap(amount int64) {
	p.Power += amount
	p.Zapped += amount
	p.ZapCount++
	if amount > p.MaxZap {
		p.MaxZap = amount
	}
}

// RoundPlayer records that a player was alive entering a round.
type RoundPlayer struct {
	RoundID  string
	PlayerID string
	Zapped   int64
	ZapCount int64
	MaxZap   int64
}

func (rp *RoundPlayer) ApplyZap(amount int64) {
	rp.Zapped += amount
	rp.ZapCount++
	if amount > rp.MaxZap {
		rp.MaxZap = amount
	}
}

type Ticket struct {
	ID        string
	GameID    string
	Walias    string
	PlayerID  string // empty until the ticket is paid
	CreatedAt time.Time
}

func (t *Ticket) Consumed() bool {
	return t.PlayerID != ""
}

type ReceiptKind string

const (
	ReceiptTicket ReceiptKind = "TICKET"
	ReceiptPower  ReceiptKind = "POWER"
)

// Receipt is a recorded payment confirmation. Its economic effect is applied
// in the same transaction that inserts it; IsAnswered flips only after the
// response messages were published.
type Receipt struct {
	ID         string
	GameID     string
	Kind       ReceiptKind
	RoundID    string
	PlayerID   string
	TicketID   string
	Walias     string
	Message    string
	Amount     int64
	Raw        []byte
	IsAnswered bool
	CreatedAt  time.Time
}

// State is a consistent read of one game used to build published messages.
type State struct {
	Game         Game
	CurrentRound Round
	// Players holds every player of the game, sorted by power descending.
	Players []Player
	// RoundMembers holds the ids of the players that entered the current round.
	RoundMembers map[string]bool
}

// Alive returns the players still in the game, strongest first.
func (s *State) Alive() []Player {
	out := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		if p.Alive() {
			out = append(out, p)
		}
	}
	return out
}

// DiedIn returns the players eliminated by the given round's massacre.
func (s *State) DiedIn(roundID string) []Player {
	if roundID == "" {
		return nil
	}
	var out []Player
	for _, p := range s.Players {
		if p.DeathRoundID == roundID {
			out = append(out, p)
		}
	}
	return out
}

// RoundPlayers returns the members of the current round, strongest first.
func (s *State) RoundPlayers() []Player {
	out := make([]Player, 0, len(s.RoundMembers))
	for _, p := range s.Players {
		if s.RoundMembers[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func (s *State) Player(walias string) *Player {
	for i := range s.Players {
		if s.Players[i].Walias == walias {
			return &s.Players[i]
		}
	}
	return nil
}

// SortPlayers orders players by power descending, walias ascending on ties.
func SortPlayers(players []Player) {
	sort.SliceStable(players, func(i, j int) bool {
		if players[i].Power != players[j].Power {
			return players[i].Power > players[j].Power
		}
		return players[i].Walias < players[j].Walias
	})
}

// PowerTable maps walias to power for the first topN players (all when
// topN <= 0). Players are expected to be sorted already.
func PowerTable(players []Player, topN int) map[string]int64 {
	if topN > 0 && topN < len(players) {
		players = players[:topN]
	}
	table := make(map[string]int64, len(players))
	for _, p := range players {
		table[p.Walias] = p.Power
	}
	return table
}

// NormalizeWalias lower-cases and validates an internet identifier.
func NormalizeWalias(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > 254 || !waliasRE.MatchString(s) {
		return "", ErrInvalidWalias
	}
	return s, nil
}
