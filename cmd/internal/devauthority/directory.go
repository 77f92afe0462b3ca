package devauthority

import (
	"errors"
	"sync"
	"time"

	"warden/cmd/identity"
)

var (
	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUnknownUser is returned when no user matches.
	ErrUnknownUser = errors.New("unknown user")
	// ErrTokenInvalid is returned for unknown, expired or consumed tokens.
	ErrTokenInvalid = errors.New("token invalid")
)

type user struct {
	identity identity.Identity
	hash     string
}

type grant struct {
	userID    int64
	expiresAt time.Time
}

// directory is the in-memory user, session and reset-token table.
// Tokens are keyed by digest, never by their clear value.
type directory struct {
	mu       sync.Mutex
	nextID   int64
	byEmail  map[string]*user
	byID     map[int64]*user
	sessions map[string]grant
	resets   map[string]grant
}

func newDirectory() *directory {
	return &directory{
		nextID:   1,
		byEmail:  make(map[string]*user),
		byID:     make(map[int64]*user),
		sessions: make(map[string]grant),
		resets:   make(map[string]grant),
	}
}

// add inserts a user. id <= 0 allocates the next sequential ID.
func (d *directory) add(id int64, name, email, hash string, now time.Time) (identity.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := identity.NormalizeEmail(email)
	if _, ok := d.byEmail[key]; ok {
		return identity.Identity{}, ErrEmailTaken
	}
	if id <= 0 {
		id = d.nextID
	}
	if _, ok := d.byID[id]; ok {
		return identity.Identity{}, ErrEmailTaken
	}

	v, err := identity.New(id, name, key, now)
	if err != nil {
		return identity.Identity{}, err
	}
	u := &user{identity: v, hash: hash}
	d.byEmail[key] = u
	d.byID[id] = u
	if id >= d.nextID {
		d.nextID = id + 1
	}
	return v, nil
}

func (d *directory) byEmailAddr(email string) (user, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byEmail[identity.NormalizeEmail(email)]
	if !ok {
		return user{}, false
	}
	return *u, true
}

func (d *directory) setHash(id int64, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byID[id]
	if !ok {
		return ErrUnknownUser
	}
	u.hash = hash
	return nil
}

func (d *directory) openSession(digest string, userID int64, exp time.Time) {
	d.mu.Lock()
	d.sessions[digest] = grant{userID: userID, expiresAt: exp}
	d.mu.Unlock()
}

func (d *directory) sessionIdentity(digest string, now time.Time) (identity.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.sessions[digest]
	if !ok {
		return identity.Identity{}, ErrTokenInvalid
	}
	if !now.Before(g.expiresAt) {
		delete(d.sessions, digest)
		return identity.Identity{}, ErrTokenInvalid
	}
	u, ok := d.byID[g.userID]
	if !ok {
		return identity.Identity{}, ErrUnknownUser
	}
	return u.identity, nil
}

func (d *directory) closeSession(digest string) {
	d.mu.Lock()
	delete(d.sessions, digest)
	d.mu.Unlock()
}

// closeUserSessions revokes every session of userID.
func (d *directory) closeUserSessions(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, g := range d.sessions {
		if g.userID == userID {
			delete(d.sessions, k)
		}
	}
}

func (d *directory) openReset(digest string, userID int64, exp time.Time) {
	d.mu.Lock()
	d.resets[digest] = grant{userID: userID, expiresAt: exp}
	d.mu.Unlock()
}

// consumeReset returns the user bound to a reset token and invalidates it.
func (d *directory) consumeReset(digest string, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.resets[digest]
	if !ok {
		return 0, ErrTokenInvalid
	}
	delete(d.resets, digest)
	if !now.Before(g.expiresAt) {
		return 0, ErrTokenInvalid
	}
	return g.userID, nil
}
