package game

import "fmt"

// ScheduleEntry is one organizer-supplied round of the massacre schedule.
type ScheduleEntry struct {
	Height       int64  `json:"height"`
	Survivors    int    `json:"survivors"`
	FreezeHeight int64  `json:"freezeHeight"`
	NextMassacre *int64 `json:"nextMassacre"`
}

// ValidateSchedule checks a schedule against the game's final block.
func ValidateSchedule(entries []ScheduleEntry, finalBlock int64) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty schedule", ErrInvalidSchedule)
	}
	var prevHeight int64
	for i, e := range entries {
		if e.Height <= 0 || e.FreezeHeight <= 0 || e.Survivors <= 0 {
			return fmt.Errorf("%w: entry %d has non-positive fields", ErrInvalidSchedule, i)
		}
		if e.NextMassacre != nil && *e.NextMassacre <= 0 {
			return fmt.Errorf("%w: entry %d has non-positive nextMassacre", ErrInvalidSchedule, i)
		}
		if e.FreezeHeight >= e.Height {
			return fmt.Errorf("%w: entry %d freezes at %d, not before massacre %d",
				ErrInvalidSchedule, i, e.FreezeHeight, e.Height)
		}
		if e.FreezeHeight <= prevHeight {
			return fmt.Errorf("%w: entry %d freezes at %d before previous massacre %d",
				ErrInvalidSchedule, i, e.FreezeHeight, prevHeight)
		}
		prevHeight = e.Height
	}
	if last := entries[len(entries)-1].Height; last != finalBlock {
		return fmt.Errorf("%w: last height %d must equal final block %d",
			ErrInvalidSchedule, last, finalBlock)
	}
	return nil
}

// BuildRounds materialises a validated schedule into linked rounds.
// The first round keeps firstRoundID (the placeholder created with the game);
// newID supplies ids for the rest. Ids are assigned before linking so every
// round carries explicit next/prev references.
func BuildRounds(gameID, firstRoundID string, entries []ScheduleEntry, newID func() string) []Round {
	rounds := make([]Round, len(entries))
	for i, e := range entries {
		id := firstRoundID
		if i > 0 {
			id = newID()
		}
		rounds[i] = Round{
			ID:             id,
			GameID:         gameID,
			Number:         i + 1,
			MassacreHeight: e.Height,
			FreezeHeight:   e.FreezeHeight,
			Survivors:      e.Survivors,
		}
	}
	for i := range rounds {
		if i > 0 {
			rounds[i].PrevRoundID = rounds[i-1].ID
		}
		if i < len(rounds)-1 {
			rounds[i].NextRoundID = rounds[i+1].ID
		}
	}
	return rounds
}
