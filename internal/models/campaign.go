package models

import (
	"errors"
	"slices"
	"time"
)

// Campaign validation errors.
var (
	ErrEmptyCampaignName = errors.New("campaign name is required")
	ErrDuplicateLevel    = errors.New("campaign lists a level more than once")
)

// Campaign is an ordered sequence of level graphs.
type Campaign struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Levels    []string  `json:"levels"`
	CreatedAt time.Time `json:"created,omitzero"`
	UpdatedAt time.Time `json:"modified,omitzero"`
}

// Validate checks that the campaign is named and its levels are distinct.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrEmptyCampaignName
	}
	seen := make(map[string]struct{}, len(c.Levels))
	for _, id := range c.Levels {
		if _, dup := seen[id]; dup {
			return ErrDuplicateLevel
		}
		seen[id] = struct{}{}
	}
	return nil
}

// LevelIndex returns the position of levelID in the campaign, or -1.
func (c *Campaign) LevelIndex(levelID string) int {
	return slices.Index(c.Levels, levelID)
}

// FirstLevel returns the id of the first level.
func (c *Campaign) FirstLevel() (string, bool) {
	if len(c.Levels) == 0 {
		return "", false
	}
	return c.Levels[0], true
}

// NextLevel returns the level that follows currentID. It reports false when
// currentID is the last level or is not part of the campaign.
func (c *Campaign) NextLevel(currentID string) (string, bool) {
	i := c.LevelIndex(currentID)
	if i < 0 || i+1 >= len(c.Levels) {
		return "", false
	}
	return c.Levels[i+1], true
}

// IsLastLevel reports whether levelID is the final level.
func (c *Campaign) IsLastLevel(levelID string) bool {
	return len(c.Levels) > 0 && c.Levels[len(c.Levels)-1] == levelID
}

// CampaignUpdate is a partial campaign update.
type CampaignUpdate struct {
	Name   Opt[string]
	Levels Opt[[]string]
}

// Apply writes u into c.
func (u CampaignUpdate) Apply(c *Campaign) {
	u.Name.apply(&c.Name)
	u.Levels.apply(&c.Levels)
}
