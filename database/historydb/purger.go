package historydb

import (
	"fmt"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/robfig/cron/v3"
)

// PurgerCfg is the purger configuration
type PurgerCfg struct {
	// Retention is the age after which finished transactions are deleted
	Retention time.Duration
	// Schedule is the cron spec of the purge job, "@every 1h" for example
	Schedule string
}

// purgeStore is the part of the HistoryDB used by the Purger
type purgeStore interface {
	PurgeBefore(t time.Time) (int64, error)
}

// Purger periodically deletes the old transactions of the history
type Purger struct {
	cfg   PurgerCfg
	store purgeStore
	cron  *cron.Cron
	now   func() time.Time

	mu     sync.Mutex
	purged int64
}

// NewPurger creates a new Purger.  The schedule is validated here.
func NewPurger(cfg PurgerCfg, hdb *HistoryDB) (*Purger, error) {
	return newPurger(cfg, hdb)
}

func newPurger(cfg PurgerCfg, store purgeStore) (*Purger, error) {
	if cfg.Retention <= 0 {
		return nil, common.Wrap(fmt.Errorf("invalid history retention %v", cfg.Retention))
	}
	p := &Purger{
		cfg:   cfg,
		store: store,
		cron:  cron.New(),
		now:   time.Now,
	}
	if _, err := p.cron.AddFunc(cfg.Schedule, func() {
		if _, err := p.Purge(); err != nil {
			log.Errorw("Purger.Purge", "err", err)
		}
	}); err != nil {
		return nil, common.Wrap(fmt.Errorf("invalid purge schedule %q: %w", cfg.Schedule, err))
	}
	return p, nil
}

// Purge deletes the transactions older than the retention and returns how
// many were deleted
func (p *Purger) Purge() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.store.PurgeBefore(p.now().Add(-p.cfg.Retention))
	if err != nil {
		return 0, common.Wrap(err)
	}
	p.purged += n
	if n > 0 {
		log.Infow("Purger: history purged", "deleted", n, "retention", p.cfg.Retention)
	}
	return n, nil
}

// Purged returns the number of rows deleted since the purger was created
func (p *Purger) Purged() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purged
}

// Start the scheduled purge
func (p *Purger) Start() {
	p.cron.Start()
}

// Stop the scheduled purge and wait for a running purge to finish
func (p *Purger) Stop() {
	<-p.cron.Stop().Done()
}
