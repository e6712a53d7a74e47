package store

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// Maintenance periodically compacts the write-ahead log and refreshes query planner
// stats. On shared mounts the WAL file grows unbounded if no writer ever checkpoints,
// so long-running instances should keep this enabled.
type Maintenance struct {
	conn     *Connector
	schedule string
	cron     *cron.Cron
}

// NewMaintenance makes a maintenance runner with a cron-style schedule,
// e.g. "@every 15m"
func NewMaintenance(conn *Connector, schedule string) *Maintenance {
	return &Maintenance{conn: conn, schedule: schedule, cron: cron.New()}
}

// Start schedules periodic runs until Stop is called
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, m.Run); err != nil {
		return err
	}
	m.cron.Start()
	log.Printf("[INFO] store maintenance scheduled, %s", m.schedule)
	return nil
}

// Stop cancels the schedule and waits for an in-flight run to finish
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// Run performs a single maintenance pass. Failures are logged, not fatal -
// the next scheduled run retries anyway.
func (m *Maintenance) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st := time.Now()
	for _, pragma := range []string{"PRAGMA wal_checkpoint(TRUNCATE)", "PRAGMA optimize"} {
		if _, err := m.conn.Exec(ctx, pragma); err != nil {
			log.Printf("[WARN] maintenance %s failed: %v", pragma, err)
			return
		}
	}
	log.Printf("[DEBUG] store maintenance completed in %v", time.Since(st))
}
