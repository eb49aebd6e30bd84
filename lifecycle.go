package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// PresenceState is the connection-lifecycle membership of an identity.
// An identity has at most one presence row, so it can never be in two
// memberships at once.
type PresenceState uint8

const (
	StateDisconnected PresenceState = 0
	StateGuest        PresenceState = 1
	StateOnline       PresenceState = 2
	StateOffline      PresenceState = 3
)

func (s PresenceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateGuest:
		return "guest"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// Presence is the presence row of an identity
type Presence struct {
	Identity  Identity      `msgpack:"i" json:"identity"`
	State     PresenceState `msgpack:"s" json:"state"`
	AccountID AccountID     `msgpack:"a" json:"account_id"`
	Session   int64         `msgpack:"-" json:"-"`
}

// Account is a player account, created on first successful authentication
type Account struct {
	ID        AccountID `msgpack:"id" json:"id"`
	Identity  Identity  `msgpack:"i" json:"identity"`
	Username  string    `msgpack:"u" json:"username"`
	CreatedAt time.Time `msgpack:"c" json:"created_at"`
}

// AuthStats summarizes one authentication tick
type AuthStats struct {
	Drained  int
	Promoted int // moved to Online
	Created  int // new accounts
	Skipped  int // disconnected or stale session
	Failed   int
}

// worldActivity is told when an identity comes online and when one leaves
type worldActivity interface {
	Wake()
	Settle(ctx context.Context)
}

type authOutcome int

const (
	outcomeSkipped authOutcome = iota
	outcomeNoop
	outcomeOnline
	outcomeCreated
)

const maxNameAttempts = 5

// Lifecycle drives identities through Guest, Online and Offline in response
// to connects, disconnects and the asynchronous authentication tick
type Lifecycle struct {
	db     *DB
	feed   *Feed
	queue  *AuthQueue
	auth   *Auth
	audit  *AuditLog
	server Identity
	jobs   worldActivity
	now    func() time.Time

	sessions atomic.Int64
}

// NewLifecycle creates a Lifecycle. jobs may be nil.
func NewLifecycle(db *DB, feed *Feed, queue *AuthQueue, auth *Auth, audit *AuditLog, server Identity, jobs worldActivity) *Lifecycle {
	l := &Lifecycle{
		db:     db,
		feed:   feed,
		queue:  queue,
		auth:   auth,
		audit:  audit,
		server: server,
		jobs:   jobs,
		now:    time.Now,
	}
	l.sessions.Store(time.Now().UnixNano())
	return l
}

// Connect records a new connection of identity and returns its session
// number. An unknown identity becomes a Guest. A known identity keeps its
// membership; an Offline one needs to authenticate again to come Online.
func (l *Lifecycle) Connect(ctx context.Context, identity Identity) (int64, error) {
	session := l.sessions.Add(1)
	var cs changeSet
	err := l.db.Tx(ctx, func(tx *sql.Tx) error {
		p, err := presenceTx(ctx, tx, identity)
		if err != nil {
			return err
		}
		if p.State == StateDisconnected {
			p = Presence{Identity: identity, State: StateGuest, Session: session}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO presence (identity, state, account_id, session, since) VALUES (?, ?, NULL, ?, ?)",
				string(identity), int64(StateGuest), session, micros(l.now()),
			); err != nil {
				return err
			}
			cs.add(TablePresence, OpInsert, string(identity), p)
			return nil
		}
		_, err = tx.ExecContext(ctx, "UPDATE presence SET session = ? WHERE identity = ?", session, string(identity))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", identity, err)
	}
	l.feed.Publish(cs...)
	return session, nil
}

// PrivateAuthenticate validates key and queues identity for the next
// authentication tick. It is fire-and-forget: failures are logged and
// audited, never reported to the caller.
func (l *Lifecycle) PrivateAuthenticate(ctx context.Context, identity Identity, key string) {
	if !l.auth.checkRate(string(identity)) {
		log.Printf("SECURITY: authentication rate limit exceeded for %s", identity)
		l.audit.Record(identity, "authentication rejected: rate limited")
		return
	}
	if err := l.auth.ValidateKey(identity, key); err != nil {
		log.Printf("SECURITY: invalid authentication key from %s: %v", identity, err)
		l.audit.Record(identity, fmt.Sprintf("authentication rejected: %v", err))
		return
	}
	p, err := l.presence(ctx, identity)
	if err != nil {
		log.Printf("auth: presence of %s: %v", identity, err)
		return
	}
	switch p.State {
	case StateDisconnected:
		log.Printf("auth: %s authenticated without a connection, ignored", identity)
	case StateOnline:
		// already there
	default:
		l.queue.Push(AuthRequest{Identity: identity, Session: p.Session})
	}
}

// ProcessAuthQueue runs one authentication tick. Each queued request is
// applied in its own savepoint, so one failure never affects the others.
func (l *Lifecycle) ProcessAuthQueue(ctx context.Context, caller Identity) (AuthStats, error) {
	if err := authorizeTick(l.audit, l.server, caller, "process_auth_queue"); err != nil {
		return AuthStats{}, err
	}
	reqs := dedupeAuthRequests(l.queue.Drain())
	stats := AuthStats{Drained: len(reqs)}
	if len(reqs) == 0 {
		return stats, nil
	}

	var cs changeSet
	now := l.now()
	err := l.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, req := range reqs {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT auth_request"); err != nil {
				return err
			}
			var local changeSet
			outcome, err := l.authenticateTx(ctx, tx, &local, req, now)
			if err != nil {
				log.Printf("auth: %s skipped: %v", req.Identity, err)
				stats.Failed++
				if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO auth_request"); rerr != nil {
					return rerr
				}
			}
			if _, err := tx.ExecContext(ctx, "RELEASE auth_request"); err != nil {
				return err
			}
			if err != nil {
				continue
			}
			switch outcome {
			case outcomeSkipped:
				stats.Skipped++
			case outcomeCreated:
				stats.Created++
				stats.Promoted++
			case outcomeOnline:
				stats.Promoted++
			}
			cs = append(cs, local...)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("process auth queue: %w", err)
	}
	l.feed.Publish(cs...)
	if stats.Promoted > 0 && l.jobs != nil {
		l.jobs.Wake()
	}
	log.Printf("auth: %d requests, %d online, %d new accounts, %d skipped, %d failed",
		stats.Drained, stats.Promoted, stats.Created, stats.Skipped, stats.Failed)
	return stats, nil
}

func (l *Lifecycle) authenticateTx(ctx context.Context, tx *sql.Tx, cs *changeSet, req AuthRequest, now time.Time) (authOutcome, error) {
	p, err := presenceTx(ctx, tx, req.Identity)
	if err != nil {
		return outcomeSkipped, err
	}
	// A request from a connection that is gone must never bring the
	// identity online.
	if p.State == StateDisconnected || p.Session != req.Session {
		return outcomeSkipped, nil
	}

	outcome := outcomeOnline
	switch p.State {
	case StateOnline:
		return outcomeNoop, nil
	case StateGuest:
		acct, err := accountByIdentity(ctx, tx, req.Identity)
		if err == sql.ErrNoRows {
			acct, err = createAccountTx(ctx, tx, cs, req.Identity, now)
			outcome = outcomeCreated
		}
		if err != nil {
			return outcomeSkipped, err
		}
		p.AccountID = acct.ID
	}

	p.State = StateOnline
	if err := setPresenceTx(ctx, tx, p, now); err != nil {
		return outcomeSkipped, err
	}
	if err := touchAccountTx(ctx, tx, p.AccountID, now); err != nil {
		return outcomeSkipped, err
	}
	cs.add(TablePresence, OpUpdate, string(p.Identity), p)
	return outcome, nil
}

// Disconnect records that identity's connection closed. Online becomes
// Offline, a Guest is forgotten, anything else is left alone. Queued
// authentication requests of the identity are always dropped.
func (l *Lifecycle) Disconnect(ctx context.Context, identity Identity) error {
	var cs changeSet
	now := l.now()
	err := l.db.Tx(ctx, func(tx *sql.Tx) error {
		p, err := presenceTx(ctx, tx, identity)
		if err != nil {
			return err
		}
		switch p.State {
		case StateOnline:
			p.State = StateOffline
			p.Session = 0
			if err := setPresenceTx(ctx, tx, p, now); err != nil {
				return err
			}
			if err := touchAccountTx(ctx, tx, p.AccountID, now); err != nil {
				return err
			}
			cs.add(TablePresence, OpUpdate, string(identity), p)
		case StateGuest:
			if _, err := tx.ExecContext(ctx, "DELETE FROM presence WHERE identity = ?", string(identity)); err != nil {
				return err
			}
			cs.add(TablePresence, OpDelete, string(identity), p)
		}
		return nil
	})
	// Purge even when the transaction failed; a late tick must not revive
	// this connection.
	if n := l.queue.Remove(identity); n > 0 {
		log.Printf("auth: dropped %d pending requests of disconnected %s", n, identity)
	}
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", identity, err)
	}
	l.feed.Publish(cs...)

	if l.jobs != nil {
		l.jobs.Settle(ctx)
	}
	return nil
}

// State returns the membership of identity
func (l *Lifecycle) State(ctx context.Context, identity Identity) (PresenceState, error) {
	p, err := l.presence(ctx, identity)
	return p.State, err
}

// Members returns the identities in a membership, sorted
func (l *Lifecycle) Members(ctx context.Context, state PresenceState) ([]Identity, error) {
	rows, err := l.db.conn.QueryContext(ctx,
		"SELECT identity FROM presence WHERE state = ? ORDER BY identity", int64(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// OnlineCount returns how many identities are Online
func (l *Lifecycle) OnlineCount(ctx context.Context) (int, error) {
	return countRows(ctx, l.db.conn, "SELECT COUNT(*) FROM presence WHERE state = ?", int64(StateOnline))
}

// Account returns the account of identity
func (l *Lifecycle) Account(ctx context.Context, identity Identity) (Account, bool, error) {
	a, err := accountByIdentity(ctx, l.db.conn, identity)
	if err == sql.ErrNoRows {
		return Account{}, false, nil
	}
	return a, err == nil, err
}

// ResetPresence clears connection state left over from a previous run:
// Guests are forgotten and Online identities become Offline
func (l *Lifecycle) ResetPresence(ctx context.Context) error {
	return l.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM presence WHERE state = ?", int64(StateGuest)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE presence SET state = ?, session = 0 WHERE state = ?",
			int64(StateOffline), int64(StateOnline),
		)
		return err
	})
}

func (l *Lifecycle) presence(ctx context.Context, identity Identity) (Presence, error) {
	return presenceTx(ctx, l.db.conn, identity)
}

// presenceTx returns the presence row of identity, or a zero row in state
// StateDisconnected when there is none
func presenceTx(ctx context.Context, q queryer, identity Identity) (Presence, error) {
	p := Presence{Identity: identity}
	var account sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT state, account_id, session FROM presence WHERE identity = ?", string(identity),
	).Scan(&p.State, &account, &p.Session)
	if err == sql.ErrNoRows {
		return Presence{Identity: identity, State: StateDisconnected}, nil
	}
	if err != nil {
		return Presence{}, err
	}
	p.AccountID = AccountID(account.Int64)
	return p, nil
}

func setPresenceTx(ctx context.Context, tx *sql.Tx, p Presence, now time.Time) error {
	var account any
	if p.AccountID != 0 {
		account = int64(p.AccountID)
	}
	_, err := tx.ExecContext(ctx,
		"UPDATE presence SET state = ?, account_id = ?, session = ?, since = ? WHERE identity = ?",
		int64(p.State), account, p.Session, micros(now), string(p.Identity),
	)
	return err
}

func accountByIdentity(ctx context.Context, q queryer, identity Identity) (Account, error) {
	a := Account{Identity: identity}
	var created int64
	err := q.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM accounts WHERE identity = ?", string(identity),
	).Scan(&a.ID, &a.Username, &created)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt = fromMicros(created)
	return a, nil
}

func touchAccountTx(ctx context.Context, tx *sql.Tx, id AccountID, now time.Time) error {
	if id == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, "UPDATE accounts SET last_seen = ? WHERE id = ?", micros(now), int64(id))
	return err
}

// createAccountTx creates an account with a generated default name, its
// status row and its player entity
func createAccountTx(ctx context.Context, tx *sql.Tx, cs *changeSet, identity Identity, now time.Time) (Account, error) {
	if _, err := accountByIdentity(ctx, tx, identity); err == nil {
		return Account{}, fmt.Errorf("%s: %w", identity, ErrAccountExists)
	} else if err != sql.ErrNoRows {
		return Account{}, err
	}

	name, err := freeUsername(ctx, tx)
	if err != nil {
		return Account{}, err
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO accounts (identity, username, created_at, last_seen) VALUES (?, ?, ?, ?)",
		string(identity), name, micros(now), micros(now),
	)
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	raw, err := res.LastInsertId()
	if err != nil {
		return Account{}, err
	}
	acct := Account{ID: AccountID(raw), Identity: identity, Username: name, CreatedAt: fromMicros(micros(now))}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO player_status (account_id, updated_at) VALUES (?, ?)", raw, micros(now),
	); err != nil {
		return Account{}, fmt.Errorf("create status: %w", err)
	}
	if _, err := createEntityTx(ctx, tx, cs, acct.ID, KindPlayer, now); err != nil {
		return Account{}, err
	}
	cs.add(TableAccount, OpInsert, acct.ID.String(), acct)
	return acct, nil
}

func freeUsername(ctx context.Context, tx *sql.Tx) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		name := GenerateDefaultName()
		n, err := countRows(ctx, tx, "SELECT COUNT(*) FROM accounts WHERE username = ?", name)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return name, nil
		}
	}
	return "", ErrUsernameTaken
}

func dedupeAuthRequests(reqs []AuthRequest) []AuthRequest {
	if len(reqs) < 2 {
		return reqs
	}
	index := make(map[Identity]int, len(reqs))
	out := make([]AuthRequest, 0, len(reqs))
	for _, r := range reqs {
		if i, ok := index[r.Identity]; ok {
			out[i] = r // the newest session wins
			continue
		}
		index[r.Identity] = len(out)
		out = append(out, r)
	}
	return out
}
