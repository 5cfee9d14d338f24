/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package runlog records finished correlation runs in a relational
// store so operators can review job history across invocations. The
// store is optional; a nil Store ignores every call.
package runlog

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run is one correlation run.
type Run struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"uniqueIndex;size:36"`
	Job        int32
	Subjob     int32
	Experiment string
	Stations   string
	StartedAt  time.Time
	EndedAt    time.Time
	Slices     int32
	OutBytes   int64
	Status     string // "running", "finished" or "aborted"
	Error      string
}

// Slice is the per-slice completion record of a run.
type Slice struct {
	ID       uint   `gorm:"primaryKey"`
	RunID    string `gorm:"index;size:36"`
	SliceNr  int32
	Scan     string
	Channel  int32
	Worker   int32
	Records  int32
	Duration time.Duration
}

// Store wraps the database connection.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and migrates the schema. An
// empty DSN returns a nil store that discards everything.
func Open(kind, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	var dialector gorm.Dialector
	switch kind {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown run log backend %q", kind)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Run{}, &Slice{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Begin inserts the run row in running state.
func (s *Store) Begin(r *Run) error {
	if s == nil {
		return nil
	}
	r.StartedAt = time.Now().UTC()
	r.Status = "running"
	return s.db.Create(r).Error
}

// AddSlice records one completed slice.
func (s *Store) AddSlice(sl *Slice) error {
	if s == nil {
		return nil
	}
	return s.db.Create(sl).Error
}

// Finish marks the run done and stores its totals.
func (s *Store) Finish(runID string, slices int32, outBytes int64) error {
	if s == nil {
		return nil
	}
	return s.db.Model(&Run{}).Where("run_id = ?", runID).Updates(map[string]any{
		"ended_at":  time.Now().UTC(),
		"slices":    slices,
		"out_bytes": outBytes,
		"status":    "finished",
	}).Error
}

// Abort marks the run failed with its error text.
func (s *Store) Abort(runID string, cause error) error {
	if s == nil {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.Model(&Run{}).Where("run_id = ?", runID).Updates(map[string]any{
		"ended_at": time.Now().UTC(),
		"status":   "aborted",
		"error":    msg,
	}).Error
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	if s == nil {
		return nil, nil
	}
	var runs []Run
	err := s.db.Order("started_at desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
