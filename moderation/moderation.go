// Package moderation defines the shared vocabulary of readtheroom: the flag
// mapping persisted by the flag store, the transitions relayed to the audit
// collaborator, and the envelopes exchanged between execution contexts.
//
// Every other package (flagstore, syncclient, injector, panel, auditlog)
// imports this one; it has no dependencies of its own.
package moderation

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StorageKey is the namespaced record holding the flag mapping.
const StorageKey = "flaggedPosts"

// Service names on the inter-context bus.
const (
	ServiceLogModeration = "logModeration"
	ServiceOpenPanel     = "OPEN_MODERATOR_PANEL"
	ServiceReadTheRoom   = "readTheRoom"
)

// Action is the direction of a flag transition.
type Action string

const (
	ActionFlagged   Action = "flagged"
	ActionUnflagged Action = "unflagged"
)

// ActionFor maps a new flag value to its transition.
func ActionFor(flagged bool) Action {
	if flagged {
		return ActionFlagged
	}
	return ActionUnflagged
}

// Valid reports whether a is one of the two known transitions.
func (a Action) Valid() bool {
	return a == ActionFlagged || a == ActionUnflagged
}

// FlaggedPosts maps a post identifier to its flag. A missing key means
// false: the map records toggle history, not every post ever seen.
type FlaggedPosts map[string]bool

// Flagged returns the effective value for postID.
func (fp FlaggedPosts) Flagged(postID string) bool {
	return fp[postID]
}

// Clone returns an independent copy. A nil receiver yields an empty map.
func (fp FlaggedPosts) Clone() FlaggedPosts {
	out := make(FlaggedPosts, len(fp))
	for k, v := range fp {
		out[k] = v
	}
	return out
}

// IDs returns the keys whose value equals flagged, sorted.
func (fp FlaggedPosts) IDs(flagged bool) []string {
	var ids []string
	for k, v := range fp {
		if v == flagged {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)
	return ids
}

// FlagRecord is one post and its effective flag.
type FlagRecord struct {
	PostID  string `json:"postId"`
	Flagged bool   `json:"flagged"`
}

// Diff lists the posts whose effective value differs between old and next,
// sorted by post id. Absent keys compare as false, so {p: false} and {}
// produce no delta.
func Diff(old, next FlaggedPosts) []FlagRecord {
	var out []FlagRecord
	for id, v := range next {
		if old[id] != v {
			out = append(out, FlagRecord{PostID: id, Flagged: v})
		}
	}
	for id, v := range old {
		if _, ok := next[id]; !ok && v {
			out = append(out, FlagRecord{PostID: id, Flagged: false})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostID < out[j].PostID })
	return out
}

// ModerationEvent describes one completed toggle. It is relayed, never stored
// by the flag store.
type ModerationEvent struct {
	PostID string `json:"postId"`
	Action Action `json:"action"`
}

// LogModerationMessage is the envelope sent to the audit collaborator.
type LogModerationMessage struct {
	Action string          `json:"action"`
	Data   ModerationEvent `json:"data"`
}

// NewLogModeration wraps ev in its envelope.
func NewLogModeration(ev ModerationEvent) LogModerationMessage {
	return LogModerationMessage{Action: ServiceLogModeration, Data: ev}
}

// DecodeLogModeration parses and validates a logModeration payload.
func DecodeLogModeration(payload []byte) (ModerationEvent, error) {
	var msg LogModerationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ModerationEvent{}, fmt.Errorf("moderation: decode log message: %w", err)
	}
	if msg.Action != ServiceLogModeration {
		return ModerationEvent{}, fmt.Errorf("moderation: unexpected action %q", msg.Action)
	}
	if msg.Data.PostID == "" {
		return ModerationEvent{}, fmt.Errorf("moderation: empty postId")
	}
	if !msg.Data.Action.Valid() {
		return ModerationEvent{}, fmt.Errorf("moderation: invalid transition %q", msg.Data.Action)
	}
	return msg.Data, nil
}

// OpenPanelMessage asks the panel's host context to open the panel.
type OpenPanelMessage struct {
	Type string `json:"type"`
}

// NewOpenPanel returns the open request envelope.
func NewOpenPanel() OpenPanelMessage {
	return OpenPanelMessage{Type: ServiceOpenPanel}
}

// ReadTheRoomMessage asks for an analysis of the page the floating control
// lives on. No analysis backend exists; the local handler only logs it.
type ReadTheRoomMessage struct {
	Action  string `json:"action"`
	PageURL string `json:"pageUrl,omitempty"`
}

// NewReadTheRoom returns the analysis request envelope for pageURL.
func NewReadTheRoom(pageURL string) ReadTheRoomMessage {
	return ReadTheRoomMessage{Action: ServiceReadTheRoom, PageURL: pageURL}
}
