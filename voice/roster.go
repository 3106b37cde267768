package voice

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// rosterUser is the roster's internal per-session record; BuildRosterEvent
// projects it to the public User type.
type rosterUser struct {
	session     uint32
	name        string
	channelID   uint32
	muted       bool
	deafened    bool
	speaking    bool
	speakingAt  time.Time
	hasSpeaking bool
}

func newRosterUser(session uint32) *rosterUser {
	return &rosterUser{session: session, name: fmt.Sprintf("User %d", session)}
}

// Roster implements the session's channel/user state machine:
// channel/user upsert from control messages, self-event synthesis,
// default-channel join latch, and speaking expiry.
type Roster struct {
	channels map[uint32]string
	users    map[uint32]*rosterUser

	selfSession     *uint32
	activeChannelID *uint32

	defaultChannelName          string
	defaultChannelJoinRequested bool
}

// NewRoster returns an empty roster targeting defaultChannelName for
// the default-channel join policy.
func NewRoster(defaultChannelName string) *Roster {
	return &Roster{
		channels:           make(map[uint32]string),
		users:              make(map[uint32]*rosterUser),
		defaultChannelName: defaultChannelName,
	}
}

// SetSelfSession records the session id the server assigned this
// client on ServerSync.
func (r *Roster) SetSelfSession(session uint32) {
	r.selfSession = &session
}

// ApplyChannelState upserts a channel from a ChannelState message,
// returning whether anything changed. A message with no channel id is
// a no-op.
func (r *Roster) ApplyChannelState(msg ChannelStateMessage) bool {
	if msg.ChannelID == nil {
		return false
	}
	channelID := *msg.ChannelID

	existing, known := r.channels[channelID]
	newName := fmt.Sprintf("Channel %d", channelID)
	if known {
		newName = existing
	}
	if msg.Name != nil {
		newName = *msg.Name
	}

	if known && existing == newName {
		return false
	}
	r.channels[channelID] = newName
	return true
}

// RemoveChannel deletes a channel, reporting whether it existed.
func (r *Roster) RemoveChannel(channelID uint32) bool {
	if _, ok := r.channels[channelID]; !ok {
		return false
	}
	delete(r.channels, channelID)
	return true
}

// ApplyUserState upserts a roster user from a UserState message. When
// the message targets the local session it also synthesizes a
// SelfEvent; PttEnabled/Transmitting are left zero here — the worker
// fills them in from its own owned state before publishing: those two
// fields are never derived from roster updates.
func (r *Roster) ApplyUserState(msg UserStateMessage) (bool, *SelfEvent) {
	if msg.Session == nil {
		return false, nil
	}
	session := *msg.Session

	user, ok := r.users[session]
	if !ok {
		user = newRosterUser(session)
		r.users[session] = user
	}

	changed := false
	if msg.Name != nil && user.name != *msg.Name {
		user.name = *msg.Name
		changed = true
	}
	if msg.ChannelID != nil && user.channelID != *msg.ChannelID {
		user.channelID = *msg.ChannelID
		changed = true
	}

	nextMuted := boolPtr(msg.Mute) || boolPtr(msg.SelfMute)
	if user.muted != nextMuted {
		user.muted = nextMuted
		changed = true
	}
	nextDeafened := boolPtr(msg.Deaf) || boolPtr(msg.SelfDeaf)
	if user.deafened != nextDeafened {
		user.deafened = nextDeafened
		changed = true
	}

	var selfEvent *SelfEvent
	if r.selfSession != nil && *r.selfSession == session {
		r.activeChannelID = &user.channelID
		selfEvent = &SelfEvent{Muted: user.muted, Deafened: user.deafened}
	}

	return changed, selfEvent
}

func boolPtr(b *bool) bool { return b != nil && *b }

// RemoveUser deletes a roster user, reporting whether it existed.
func (r *Roster) RemoveUser(session uint32) bool {
	if _, ok := r.users[session]; !ok {
		return false
	}
	delete(r.users, session)
	return true
}

// MaybeMarkSpeaking records an audio tick for session at now and, if
// the user wasn't already marked speaking, flips it on and returns the
// transition event. Returns nil for an unknown session (no UserState
// has described it yet).
func (r *Roster) MaybeMarkSpeaking(session uint32, now time.Time) *SpeakingEvent {
	user, ok := r.users[session]
	if !ok {
		return nil
	}
	user.speakingAt = now
	user.hasSpeaking = true
	if user.speaking {
		return nil
	}
	user.speaking = true
	level := float32(1.0)
	return &SpeakingEvent{Session: session, Speaking: true, Level: &level}
}

// ExpireSpeaking clears the speaking flag for any user whose last audio
// tick is at least maxAge old, returning one transition event per user
// reaped.
func (r *Roster) ExpireSpeaking(now time.Time, maxAge time.Duration) []SpeakingEvent {
	var updates []SpeakingEvent
	for _, user := range r.users {
		if !user.speaking || !user.hasSpeaking {
			continue
		}
		if now.Sub(user.speakingAt) < maxAge {
			continue
		}
		user.speaking = false
		user.hasSpeaking = false
		level := float32(0.0)
		updates = append(updates, SpeakingEvent{Session: user.session, Speaking: false, Level: &level})
	}
	return updates
}

// TargetChannelID returns the channel the local session is considered
// to be in: the last channel seen in a self UserState update, or
// (before one arrives) the self user's roster-known channel.
func (r *Roster) TargetChannelID() *uint32 {
	if r.activeChannelID != nil {
		return r.activeChannelID
	}
	if r.selfSession == nil {
		return nil
	}
	if user, ok := r.users[*r.selfSession]; ok {
		return &user.channelID
	}
	return nil
}

// DefaultChannelID looks up the channel id whose known name matches
// the configured default channel name.
func (r *Roster) DefaultChannelID() *uint32 {
	for id, name := range r.channels {
		if name == r.defaultChannelName {
			id := id
			return &id
		}
	}
	return nil
}

// DefaultChannelJoinRequested reports whether the one-shot default
// channel join has already been attempted this session.
func (r *Roster) DefaultChannelJoinRequested() bool {
	return r.defaultChannelJoinRequested
}

// MarkDefaultChannelJoinRequested latches the default-channel join so
// it is attempted at most once per session.
func (r *Roster) MarkDefaultChannelJoinRequested() {
	r.defaultChannelJoinRequested = true
}

// DefaultChannelName reports the roster's configured default channel.
func (r *Roster) DefaultChannelName() string { return r.defaultChannelName }

// UserNameForSession looks up a display name, falling back to
// "User {session}" for an unknown session (e.g. a TextMessage actor
// the roster hasn't seen a UserState for yet).
func (r *Roster) UserNameForSession(session uint32) string {
	if user, ok := r.users[session]; ok {
		return user.name
	}
	return fmt.Sprintf("User %d", session)
}

// BuildRosterEvent projects the roster's current state into the
// UI-facing snapshot: users in the target channel (or all users, when
// no channel is known), sorted by name case-insensitively.
func (r *Roster) BuildRosterEvent() RosterEvent {
	var channelID uint32
	if target := r.TargetChannelID(); target != nil {
		channelID = *target
	}

	channelName, ok := r.channels[channelID]
	if !ok {
		channelName = r.defaultChannelName
	}

	members := lo.Filter(lo.Values(r.users), func(u *rosterUser, _ int) bool {
		return channelID == 0 || u.channelID == channelID
	})
	users := lo.Map(members, func(u *rosterUser, _ int) User {
		return User{
			Session:   u.session,
			Name:      u.name,
			ChannelID: u.channelID,
			Muted:     u.muted,
			Deafened:  u.deafened,
			Speaking:  u.speaking,
		}
	})
	sortUsersByName(users)

	return RosterEvent{
		Channel: Channel{ID: channelID, Name: channelName},
		Users:   users,
	}
}

func sortUsersByName(users []User) {
	for i := 1; i < len(users); i++ {
		for j := i; j > 0 && strings.ToLower(users[j-1].Name) > strings.ToLower(users[j].Name); j-- {
			users[j-1], users[j] = users[j], users[j-1]
		}
	}
}
