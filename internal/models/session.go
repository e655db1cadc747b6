package models

import "maps"

// Onboarding holds details collected by the onboarding nodes. Field names are
// part of the interpolation surface (user.whatsapp_ownboarding_*).
type Onboarding struct {
	SchoolName   string `json:"whatsapp_ownboarding_school_name,omitempty"`
	DiseCode     string `json:"whatsapp_ownboarding_dise_code,omitempty"`
	DistrictID   string `json:"whatsapp_ownboarding_district_id,omitempty"`
	DistrictName string `json:"whatsapp_ownboarding_district_name,omitempty"`
	StateName    string `json:"whatsapp_ownboarding_state_name,omitempty"`
}

// Session is the durable state of one user's conversation.
type Session struct {
	PhoneNumber       string         `json:"phone_number"`
	Name              string         `json:"name"`
	Age               int            `json:"age,omitempty"`
	CurrentCampaignID string         `json:"current_campaign_id"`
	CurrentLevelID    string         `json:"current_level_id"`
	CurrentNodeID     string         `json:"current_node_id"`
	CurrentNudgeID    string         `json:"current_nudge_id,omitempty"`
	SessionExpiresAt  int64          `json:"session_expires_at"`
	TotalScore        int            `json:"total_score"`
	CurrentLevelScore map[string]int `json:"current_level_score"`
	MaxLevelID        string         `json:"max_level_id"`

	// Per-node metadata.
	DelayWaitTillUnix int64  `json:"delay_wait_till_unix,omitempty"`
	PromptInput       string `json:"prompt_input,omitempty"`
	Onboarding
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.CurrentLevelScore = maps.Clone(s.CurrentLevelScore)
	return &c
}

// LevelScore returns the sum of the per-level score map and its size.
func (s *Session) LevelScore() (sum, count int) {
	for _, v := range s.CurrentLevelScore {
		sum += v
	}
	return sum, len(s.CurrentLevelScore)
}

type optState uint8

const (
	optUnset optState = iota
	optSet
	optClear
)

// Opt is one field of a partial update: left alone, set to a value, or
// cleared back to its zero value.
type Opt[T any] struct {
	state optState
	value T
}

// Set returns an Opt that writes v.
func Set[T any](v T) Opt[T] { return Opt[T]{state: optSet, value: v} }

// Clear returns an Opt that resets the field to its zero value.
func Clear[T any]() Opt[T] { return Opt[T]{state: optClear} }

// IsSet reports whether the Opt writes a value.
func (o Opt[T]) IsSet() bool { return o.state == optSet }

// IsClear reports whether the Opt resets the field.
func (o Opt[T]) IsClear() bool { return o.state == optClear }

// IsZero reports whether the Opt leaves the field alone.
func (o Opt[T]) IsZero() bool { return o.state == optUnset }

// Value returns the value written by a Set.
func (o Opt[T]) Value() T { return o.value }

func (o Opt[T]) apply(dst *T) {
	switch o.state {
	case optSet:
		*dst = o.value
	case optClear:
		var zero T
		*dst = zero
	}
}

func (o Opt[T]) or(other Opt[T]) Opt[T] {
	if other.state != optUnset {
		return other
	}
	return o
}

// SessionUpdate is a partial session update with explicit clear markers.
type SessionUpdate struct {
	Name              Opt[string]
	Age               Opt[int]
	CurrentCampaignID Opt[string]
	CurrentLevelID    Opt[string]
	CurrentNodeID     Opt[string]
	CurrentNudgeID    Opt[string]
	SessionExpiresAt  Opt[int64]
	TotalScore        Opt[int]
	CurrentLevelScore Opt[map[string]int]
	MaxLevelID        Opt[string]
	DelayWaitTillUnix Opt[int64]
	PromptInput       Opt[string]
	Onboarding        Opt[Onboarding]
}

// IsEmpty reports whether u changes nothing.
func (u SessionUpdate) IsEmpty() bool {
	return u.Name.IsZero() && u.Age.IsZero() && u.CurrentCampaignID.IsZero() &&
		u.CurrentLevelID.IsZero() && u.CurrentNodeID.IsZero() && u.CurrentNudgeID.IsZero() &&
		u.SessionExpiresAt.IsZero() && u.TotalScore.IsZero() && u.CurrentLevelScore.IsZero() &&
		u.MaxLevelID.IsZero() && u.DelayWaitTillUnix.IsZero() && u.PromptInput.IsZero() &&
		u.Onboarding.IsZero()
}

// Merge returns u with every field that next touches replaced by next's.
func (u SessionUpdate) Merge(next SessionUpdate) SessionUpdate {
	return SessionUpdate{
		Name:              u.Name.or(next.Name),
		Age:               u.Age.or(next.Age),
		CurrentCampaignID: u.CurrentCampaignID.or(next.CurrentCampaignID),
		CurrentLevelID:    u.CurrentLevelID.or(next.CurrentLevelID),
		CurrentNodeID:     u.CurrentNodeID.or(next.CurrentNodeID),
		CurrentNudgeID:    u.CurrentNudgeID.or(next.CurrentNudgeID),
		SessionExpiresAt:  u.SessionExpiresAt.or(next.SessionExpiresAt),
		TotalScore:        u.TotalScore.or(next.TotalScore),
		CurrentLevelScore: u.CurrentLevelScore.or(next.CurrentLevelScore),
		MaxLevelID:        u.MaxLevelID.or(next.MaxLevelID),
		DelayWaitTillUnix: u.DelayWaitTillUnix.or(next.DelayWaitTillUnix),
		PromptInput:       u.PromptInput.or(next.PromptInput),
		Onboarding:        u.Onboarding.or(next.Onboarding),
	}
}

// Apply writes u into s.
func (u SessionUpdate) Apply(s *Session) {
	u.Name.apply(&s.Name)
	u.Age.apply(&s.Age)
	u.CurrentCampaignID.apply(&s.CurrentCampaignID)
	u.CurrentLevelID.apply(&s.CurrentLevelID)
	u.CurrentNodeID.apply(&s.CurrentNodeID)
	u.CurrentNudgeID.apply(&s.CurrentNudgeID)
	u.SessionExpiresAt.apply(&s.SessionExpiresAt)
	u.TotalScore.apply(&s.TotalScore)
	u.CurrentLevelScore.apply(&s.CurrentLevelScore)
	u.MaxLevelID.apply(&s.MaxLevelID)
	u.DelayWaitTillUnix.apply(&s.DelayWaitTillUnix)
	u.PromptInput.apply(&s.PromptInput)
	u.Onboarding.apply(&s.Onboarding)
	if s.CurrentLevelScore == nil {
		s.CurrentLevelScore = map[string]int{}
	}
}
