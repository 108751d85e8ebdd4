package main

import (
	"fmt"

	"github.com/forgeworks/forge/cache/sqlitecache"
)

// CacheCmd groups the disk-cache maintenance subcommands.
type CacheCmd struct {
	Gc   CacheGcCmd   `cmd:"" help:"evict the oldest cached action results past a row-count budget"`
	Stat CacheStatCmd `cmd:"" help:"print row counts for the local disk cache"`
}

type CacheGcCmd struct {
	KeepNewest int `default:"10000" help:"number of most-recent action results to retain"`
}

func (c *CacheGcCmd) Run(cctx *Context) error {
	if cctx.Config.DiskCache == "" {
		return fmt.Errorf("forge: no disk_cache configured, nothing to garbage-collect")
	}
	db, err := sqlitecache.Open(cctx.Config.DiskCache)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Exec(`
		DELETE FROM action_outputs WHERE action_key_hex IN (
			SELECT action_key_hex FROM action_results
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		)`, c.KeepNewest)
	if err != nil {
		return fmt.Errorf("forge: gc action_outputs: %w", err)
	}
	if _, err := db.Exec(`
		DELETE FROM action_results WHERE action_key_hex NOT IN (
			SELECT action_key_hex FROM action_results ORDER BY created_at DESC LIMIT ?
		)`, c.KeepNewest); err != nil {
		return fmt.Errorf("forge: gc action_results: %w", err)
	}
	rows, _ := res.RowsAffected()
	fmt.Printf("forge: evicted %d output rows, kept at most %d action results\n", rows, c.KeepNewest)
	return nil
}

type CacheStatCmd struct{}

func (c *CacheStatCmd) Run(cctx *Context) error {
	if cctx.Config.DiskCache == "" {
		return fmt.Errorf("forge: no disk_cache configured")
	}
	db, err := sqlitecache.Open(cctx.Config.DiskCache)
	if err != nil {
		return err
	}
	defer db.Close()

	var blobs, results int64
	if err := db.QueryRow(`SELECT count(*) FROM blobs`).Scan(&blobs); err != nil {
		return fmt.Errorf("forge: count blobs: %w", err)
	}
	if err := db.QueryRow(`SELECT count(*) FROM action_results`).Scan(&results); err != nil {
		return fmt.Errorf("forge: count action_results: %w", err)
	}
	fmt.Printf("blobs: %d\naction_results: %d\n", blobs, results)
	return nil
}
