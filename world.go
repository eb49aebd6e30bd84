package main

import (
	"context"
	"errors"
	"log"
	"sync"
)

const (
	jobPositions = "process_position_updates"
	jobRotations = "process_rotation_updates"
	jobChunks    = "calculate_current_chunks"
	jobAuth      = "process_auth_queue"
)

// WorldJobs is the set of periodic jobs that only need to run while someone
// is online or updates are still buffered: both reconcile ticks and the
// chunk tick
type WorldJobs struct {
	sched *Scheduler
	jobs  []PeriodicJob
	load  LoadFunc

	mu       sync.Mutex
	awake    bool
	draining bool // nobody online, waiting for the buffer to empty
}

// LoadFunc reports how many identities are online and how many updates are
// still buffered
type LoadFunc func(ctx context.Context) (online, pending int, err error)

// NewWorldJobs creates the job set. Nothing runs until Wake or Nudge. After
// every tick of a draining set, load decides whether the jobs can stop.
func NewWorldJobs(sched *Scheduler, load LoadFunc, jobs ...PeriodicJob) *WorldJobs {
	wj := &WorldJobs{sched: sched, load: load}
	for _, j := range jobs {
		run := j.Run
		j.Run = func(ctx context.Context, caller Identity) error {
			err := run(ctx, caller)
			wj.afterTick(ctx)
			return err
		}
		wj.jobs = append(wj.jobs, j)
	}
	return wj
}

// Wake starts every job that is not running yet
func (wj *WorldJobs) Wake() {
	wj.mu.Lock()
	defer wj.mu.Unlock()
	wj.start()
	wj.draining = false
}

// Nudge makes sure buffered updates get applied. Sleeping jobs are started
// in draining mode and stop again once the buffer is empty.
func (wj *WorldJobs) Nudge() {
	wj.mu.Lock()
	defer wj.mu.Unlock()
	if wj.awake {
		return
	}
	wj.start()
	wj.draining = true
}

// Settle stops the jobs when nobody is online and nothing is buffered. With
// nobody online but updates still buffered, the jobs keep running and
// settle after the tick that empties the buffer. The load is read under the
// same lock Wake takes, so a concurrent promotion is never undone.
func (wj *WorldJobs) Settle(ctx context.Context) {
	wj.mu.Lock()
	defer wj.mu.Unlock()
	if !wj.awake {
		return
	}
	online, pending, err := wj.load(ctx)
	if err != nil {
		log.Printf("scheduler: world load: %v", err)
		return
	}
	switch {
	case online > 0:
		wj.draining = false
	case pending > 0:
		wj.draining = true
	default:
		wj.stop()
	}
}

func (wj *WorldJobs) afterTick(ctx context.Context) {
	wj.mu.Lock()
	draining := wj.draining
	wj.mu.Unlock()
	if draining {
		wj.Settle(ctx)
	}
}

func (wj *WorldJobs) start() {
	for _, j := range wj.jobs {
		wj.sched.Start(j)
	}
	wj.awake = true
}

func (wj *WorldJobs) stop() {
	for _, j := range wj.jobs {
		if err := wj.sched.Stop(j.Name); err != nil && !errors.Is(err, ErrSchedulerNotRunning) {
			log.Printf("scheduler: stop %s: %v", j.Name, err)
		}
	}
	wj.awake = false
	wj.draining = false
}

// Awake reports whether the jobs are running
func (wj *WorldJobs) Awake() bool {
	wj.mu.Lock()
	defer wj.mu.Unlock()
	return wj.awake
}

// Draining reports whether the jobs are running only to empty the buffer
func (wj *WorldJobs) Draining() bool {
	wj.mu.Lock()
	defer wj.mu.Unlock()
	return wj.draining
}

// World wires storage, the change feed and every component together
type World struct {
	Config SchedulerConfig

	DB        *DB
	Feed      *Feed
	Queue     *AuthQueue
	Auth      *Auth
	Audit     *AuditLog
	Entities  *EntityStore
	Ingest    *IngestBuffer
	Reconcile *Reconciler
	Chunks    *ChunkIndexer
	Lifecycle *Lifecycle
	Scheduler *Scheduler
	Jobs      *WorldJobs

	closeOnce sync.Once
}

// NewWorld builds a World on an open database. Identities presented by
// clients can never equal the generated scheduler identity.
func NewWorld(db *DB, cfg SchedulerConfig, clientID string, issuers ...string) *World {
	server := Identity("scheduler-" + GenerateID(16))

	w := &World{
		Config:    cfg,
		DB:        db,
		Feed:      NewFeed(),
		Queue:     NewAuthQueue(),
		Auth:      NewAuth(db, clientID, issuers...),
		Audit:     NewAuditLog(db),
		Scheduler: NewScheduler(server),
	}
	w.Entities = NewEntityStore(db, w.Feed)
	w.Ingest = NewIngestBuffer(db)
	w.Reconcile = NewReconciler(db, w.Feed, w.Audit, server)
	w.Chunks = NewChunkIndexer(db, w.Feed, w.Audit, server, cfg.CellSize())

	w.Jobs = NewWorldJobs(w.Scheduler, w.load,
		PeriodicJob{
			Name:     jobPositions,
			Interval: cfg.PositionUpdateInterval(),
			Run: func(ctx context.Context, caller Identity) error {
				_, err := w.Reconcile.ProcessPositionUpdates(ctx, caller)
				return err
			},
		},
		PeriodicJob{
			Name:     jobRotations,
			Interval: cfg.RotationUpdateInterval(),
			Run: func(ctx context.Context, caller Identity) error {
				_, err := w.Reconcile.ProcessRotationUpdates(ctx, caller)
				return err
			},
		},
		PeriodicJob{
			Name:     jobChunks,
			Interval: cfg.ChunkUpdateInterval(),
			Run: func(ctx context.Context, caller Identity) error {
				_, err := w.Chunks.RecomputeChunks(ctx, caller)
				return err
			},
		},
	)
	w.Ingest.OnSubmit = w.Jobs.Nudge
	w.Lifecycle = NewLifecycle(db, w.Feed, w.Queue, w.Auth, w.Audit, server, w.Jobs)
	return w
}

func (w *World) load(ctx context.Context) (online, pending int, err error) {
	if online, err = w.Lifecycle.OnlineCount(ctx); err != nil {
		return 0, 0, err
	}
	pending, err = w.Ingest.Size(ctx)
	return online, pending, err
}

// Start clears stale presence and launches the auth job. The world jobs
// start once somebody is online.
func (w *World) Start(ctx context.Context) error {
	if err := w.Lifecycle.ResetPresence(ctx); err != nil {
		return err
	}
	w.Scheduler.Start(PeriodicJob{
		Name:     jobAuth,
		Interval: w.Config.AuthProcessInterval(),
		Run: func(ctx context.Context, caller Identity) error {
			_, err := w.Lifecycle.ProcessAuthQueue(ctx, caller)
			return err
		},
	})
	log.Printf("world: started (position %v, rotation %v, chunk %v, auth %v, cell %d)",
		w.Config.PositionUpdateInterval(), w.Config.RotationUpdateInterval(),
		w.Config.ChunkUpdateInterval(), w.Config.AuthProcessInterval(), w.Config.CellSize())
	return nil
}

// ServerIdentity returns the caller identity the periodic jobs run as
func (w *World) ServerIdentity() Identity {
	return w.Scheduler.Identity()
}

// Close stops every job and flushes the audit log. The database is left
// open for the caller to close.
func (w *World) Close() {
	w.closeOnce.Do(func() {
		w.Scheduler.StopAll()
		w.Audit.Close()
	})
}
