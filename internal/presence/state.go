package presence

// State is the derived presence of an identity.
type State string

const (
	StateUnknown      State = "unknown"
	StateOnlineActive State = "online_active"
	StateOnlineIdle   State = "online_idle"
	StateOffline      State = "offline"
)

// StateOf derives the presence state from an optional user row.
func StateOf(user *User) State {
	switch {
	case user == nil:
		return StateUnknown
	case !user.Online:
		return StateOffline
	case user.Active:
		return StateOnlineActive
	default:
		return StateOnlineIdle
	}
}

// connectTransition moves any state to Online-Active. The returned kind tells
// the caller whether the row must be inserted or updated.
func connectTransition(existing *User, identity Identity) (User, ChangeKind) {
	if existing == nil {
		return User{
			Identity: identity,
			Name:     nil,
			Online:   true,
			Active:   true,
		}, ChangeInsert
	}
	next := *existing
	next.Online = true
	next.Active = true
	return next, ChangeUpdate
}

// disconnectTransition moves an existing row to Offline. It reports false when
// there is no row to transition.
func disconnectTransition(existing *User) (User, bool) {
	if existing == nil {
		return User{}, false
	}
	next := *existing
	next.Online = false
	next.Active = false
	return next, true
}

// activityTransition toggles Online-Active and Online-Idle. Offline and unknown
// identities are left alone so that active never outlives online.
func activityTransition(existing *User, fresh bool) (User, bool) {
	if existing == nil || !existing.Online {
		return User{}, false
	}
	if existing.Active == fresh {
		return *existing, false
	}
	next := *existing
	next.Active = fresh
	return next, true
}

func renameTransition(existing *User, name string) (User, bool) {
	if existing == nil {
		return User{}, false
	}
	next := *existing
	next.Name = pointerTo(name)
	return next, true
}
