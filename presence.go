package phx

import (
	"sync"
)

// PresenceEntry is the decoded per-key shape carried in a
// presence_state/presence_diff payload: {"metas": [...]}. Each element of
// Metas is an application-defined JSON object merged verbatim from the
// server; phx_ref/phx_ref_prev bookkeeping lives inside it.
type PresenceEntry struct {
	Metas []BoxedJSON `json:"metas"`
}

type presenceState map[string]PresenceEntry

type presenceDiff struct {
	Joins presenceState `json:"joins"`
	Leaves presenceState `json:"leaves"`
}

// Presence tracks the aggregate client-presence state of a topic by
// subscribing to "presence_state" and "presence_diff" on the Channel
// supplied at construction. It implements the CRDT-style merge Phoenix
// clients use: a full presence_state snapshot resets local state, and
// each presence_diff is merged in, with diffs arriving before the initial
// sync queued and replayed once the sync lands.
type Presence struct {
	channel *Channel

	mu            sync.Mutex
	state         presenceState
	pendingDiffs  []presenceDiff
	syncedJoinRef string

	onJoins  []func(key string, current *PresenceEntry, newMeta PresenceEntry)
	onLeaves []func(key string, current, leftMeta PresenceEntry)
	onSyncs  []func()
}

// NewPresence creates a Presence bound to channel and wires its
// subscriptions. Construct it before Channel.Join so the first
// presence_state isn't missed.
func NewPresence(channel *Channel) *Presence {
	p := &Presence{
		channel: channel,
		state:   make(presenceState),
	}
	channel.On("presence_state", p.handleState)
	channel.On("presence_diff", p.handleDiff)
	return p
}

// OnJoin registers cb to fire for every key that appears or gains a new
// meta entry during a sync or diff merge. current is nil when key is
// brand new, distinguishing that from an existing key with empty metas.
func (p *Presence) OnJoin(cb func(key string, current *PresenceEntry, newMeta PresenceEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoins = append(p.onJoins, cb)
}

// OnLeave registers cb to fire for every key that disappears or loses a
// meta entry during a sync or diff merge.
func (p *Presence) OnLeave(cb func(key string, current, leftMeta PresenceEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeaves = append(p.onLeaves, cb)
}

// OnSync registers cb to fire after every state sync or diff merge
// completes, whether or not it changed anything.
func (p *Presence) OnSync(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSyncs = append(p.onSyncs, cb)
}

// List projects the current presence state into T via fn, called once per
// key with that key's merged meta list.
func List[T any](p *Presence, fn func(key string, metas []BoxedJSON) T) []T {
	p.mu.Lock()
	snapshot := make(presenceState, len(p.state))
	for k, v := range p.state {
		snapshot[k] = v
	}
	p.mu.Unlock()

	out := make([]T, 0, len(snapshot))
	for k, v := range snapshot {
		out = append(out, fn(k, v.Metas))
	}
	return out
}

func (p *Presence) handleState(msg Message) {
	incoming, err := Unbox[presenceState](msg.Payload)
	if err != nil {
		return
	}

	p.mu.Lock()
	current := p.state
	p.mu.Unlock()
	next := p.syncState(current, incoming)

	p.mu.Lock()
	p.state = next
	p.syncedJoinRef = p.channel.JoinRef()
	pending := p.pendingDiffs
	p.pendingDiffs = nil
	p.mu.Unlock()

	for _, d := range pending {
		p.mergeDiff(d)
	}
	p.notifySync()
}

func (p *Presence) handleDiff(msg Message) {
	diff, err := Unbox[presenceDiff](msg.Payload)
	if err != nil {
		return
	}

	p.mu.Lock()
	if p.inPendingSyncStateLocked() {
		p.pendingDiffs = append(p.pendingDiffs, diff)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.mergeDiff(diff)
	p.notifySync()
}

// inPendingSyncStateLocked reports whether the channel has (re)joined since
// the last presence_state was applied — true from a Join/Rejoin up until
// the next presence_state lands, the window in which a presence_diff can't
// be trusted against current.state and must be queued instead. Caller must
// hold p.mu.
func (p *Presence) inPendingSyncStateLocked() bool {
	return p.syncedJoinRef == "" || p.syncedJoinRef != p.channel.JoinRef()
}

func (p *Presence) mergeDiff(diff presenceDiff) {
	p.mu.Lock()
	current := p.state
	p.mu.Unlock()
	next := p.syncDiff(current, diff)

	p.mu.Lock()
	p.state = next
	p.mu.Unlock()
}

// syncState replaces local with a freshly received full snapshot,
// reporting joins for keys new or changed in next and leaves for keys
// present in local but absent from next.
func (p *Presence) syncState(local, next presenceState) presenceState {
	joins := make(presenceState)
	leaves := make(presenceState)

	for key, entry := range next {
		cur, ok := local[key]
		if !ok {
			joins[key] = entry
			continue
		}
		if added := removeMetas(entry.Metas, cur.Metas); len(added) > 0 {
			joins[key] = PresenceEntry{Metas: added}
		}
		if gone := removeMetas(cur.Metas, entry.Metas); len(gone) > 0 {
			leaves[key] = PresenceEntry{Metas: gone}
		}
	}
	for key, entry := range local {
		if _, ok := next[key]; !ok {
			leaves[key] = entry
		}
	}

	merged := p.syncDiff(local, presenceDiff{Joins: joins, Leaves: leaves})

	for key, entry := range next {
		merged[key] = entry
	}
	return merged
}

// syncDiff applies one presence_diff to local, firing OnJoin/OnLeave
// callbacks for every affected key.
func (p *Presence) syncDiff(local presenceState, diff presenceDiff) presenceState {
	merged := make(presenceState, len(local))
	for k, v := range local {
		merged[k] = v
	}

	var joinCbs []func(string, *PresenceEntry, PresenceEntry)
	var leaveCbs []func(string, PresenceEntry, PresenceEntry)
	p.mu.Lock()
	for _, cb := range p.onJoins {
		joinCbs = append(joinCbs, cb)
	}
	for _, cb := range p.onLeaves {
		leaveCbs = append(leaveCbs, cb)
	}
	p.mu.Unlock()

	for key, newMeta := range diff.Joins {
		prior, existed := merged[key]
		merged[key] = PresenceEntry{Metas: append(append([]BoxedJSON{}, prior.Metas...), newMeta.Metas...)}
		var current *PresenceEntry
		if existed {
			current = &prior
		}
		for _, cb := range joinCbs {
			cb(key, current, newMeta)
		}
	}

	for key, leftMeta := range diff.Leaves {
		current, ok := merged[key]
		if !ok {
			continue
		}
		remaining := removeMetas(current.Metas, leftMeta.Metas)
		if len(remaining) == 0 {
			delete(merged, key)
		} else {
			merged[key] = PresenceEntry{Metas: remaining}
		}
		for _, cb := range leaveCbs {
			cb(key, current, leftMeta)
		}
	}

	return merged
}

func removeMetas(metas, toRemove []BoxedJSON) []BoxedJSON {
	out := make([]BoxedJSON, 0, len(metas))
	for _, m := range metas {
		drop := false
		for _, r := range toRemove {
			if string(m.Raw()) == string(r.Raw()) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, m)
		}
	}
	return out
}

func (p *Presence) notifySync() {
	p.mu.Lock()
	syncs := append([]func(){}, p.onSyncs...)
	p.mu.Unlock()
	for _, cb := range syncs {
		cb()
	}
}
