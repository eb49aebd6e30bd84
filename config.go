package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPositionIntervalMs = 50
	DefaultRotationIntervalMs = 200
	DefaultChunkIntervalMs    = 5000
	DefaultAuthIntervalMs     = 100

	settingPositionMs = "position_update_interval_ms"
	settingRotationMs = "rotation_update_interval_ms"
	settingChunkMs    = "chunk_update_interval_ms"
	settingAuthMs     = "auth_process_interval_ms"
	settingCellSize   = "chunk_cell_size"
)

// SchedulerConfig holds the tick periods of the periodic jobs and the chunk
// cell size. Zero values mean "use the default".
type SchedulerConfig struct {
	PositionUpdateIntervalMs int `yaml:"position_update_interval_ms"`
	RotationUpdateIntervalMs int `yaml:"rotation_update_interval_ms"`
	ChunkUpdateIntervalMs    int `yaml:"chunk_update_interval_ms"`
	AuthProcessIntervalMs    int `yaml:"auth_process_interval_ms"`
	ChunkCellSize            int `yaml:"chunk_cell_size"`
}

// DefaultSchedulerConfig returns the built-in periods
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PositionUpdateIntervalMs: DefaultPositionIntervalMs,
		RotationUpdateIntervalMs: DefaultRotationIntervalMs,
		ChunkUpdateIntervalMs:    DefaultChunkIntervalMs,
		AuthProcessIntervalMs:    DefaultAuthIntervalMs,
		ChunkCellSize:            DefaultCellSize,
	}
}

func (c SchedulerConfig) PositionUpdateInterval() time.Duration {
	return msOr(c.PositionUpdateIntervalMs, DefaultPositionIntervalMs)
}

func (c SchedulerConfig) RotationUpdateInterval() time.Duration {
	return msOr(c.RotationUpdateIntervalMs, DefaultRotationIntervalMs)
}

func (c SchedulerConfig) ChunkUpdateInterval() time.Duration {
	return msOr(c.ChunkUpdateIntervalMs, DefaultChunkIntervalMs)
}

func (c SchedulerConfig) AuthProcessInterval() time.Duration {
	return msOr(c.AuthProcessIntervalMs, DefaultAuthIntervalMs)
}

// CellSize returns the chunk edge in world units
func (c SchedulerConfig) CellSize() int32 {
	if c.ChunkCellSize <= 0 {
		return DefaultCellSize
	}
	return int32(c.ChunkCellSize)
}

func msOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

// InitDefaultSettings seeds the settings table with the default periods.
// Existing values are kept.
func InitDefaultSettings(db *DB) error {
	d := DefaultSchedulerConfig()
	defaults := map[string]int{
		settingPositionMs: d.PositionUpdateIntervalMs,
		settingRotationMs: d.RotationUpdateIntervalMs,
		settingChunkMs:    d.ChunkUpdateIntervalMs,
		settingAuthMs:     d.AuthProcessIntervalMs,
		settingCellSize:   d.ChunkCellSize,
	}
	for k, v := range defaults {
		if err := db.setDefaultSetting(k, strconv.Itoa(v)); err != nil {
			return fmt.Errorf("seed %s: %w", k, err)
		}
	}
	return nil
}

// LoadSchedulerConfig builds the config from the defaults, then the settings
// table, then the YAML file at path when path is not empty
func LoadSchedulerConfig(db *DB, path string) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	if db != nil {
		overrideFromSetting(db, settingPositionMs, &cfg.PositionUpdateIntervalMs)
		overrideFromSetting(db, settingRotationMs, &cfg.RotationUpdateIntervalMs)
		overrideFromSetting(db, settingChunkMs, &cfg.ChunkUpdateIntervalMs)
		overrideFromSetting(db, settingAuthMs, &cfg.AuthProcessIntervalMs)
		overrideFromSetting(db, settingCellSize, &cfg.ChunkCellSize)
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var file SchedulerConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	overridePositive(&cfg.PositionUpdateIntervalMs, file.PositionUpdateIntervalMs)
	overridePositive(&cfg.RotationUpdateIntervalMs, file.RotationUpdateIntervalMs)
	overridePositive(&cfg.ChunkUpdateIntervalMs, file.ChunkUpdateIntervalMs)
	overridePositive(&cfg.AuthProcessIntervalMs, file.AuthProcessIntervalMs)
	overridePositive(&cfg.ChunkCellSize, file.ChunkCellSize)
	return cfg, nil
}

func overrideFromSetting(db *DB, key string, dst *int) {
	raw := db.GetSetting(key)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: ignoring setting %s=%q: %v", key, raw, err)
		return
	}
	overridePositive(dst, v)
}

func overridePositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
