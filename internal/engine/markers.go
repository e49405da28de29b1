package engine

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/markers"
	"github.com/pliu/msgsync/internal/markers/memkv"
	"github.com/pliu/msgsync/internal/markers/pebblekv"
	"github.com/pliu/msgsync/internal/markers/sqlkv"
	"github.com/pliu/msgsync/internal/markers/valkeykv"
)

// OpenMarkers opens the durable key-value backend named by cfg.Driver.
func OpenMarkers(cfg config.Markers) (markers.KV, error) {
	var (
		kv  markers.KV
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		kv, err = openSQL("sqlite3", cfg.DSN)
	case "postgres":
		kv, err = openSQL("postgres", cfg.DSN)
	case "pebble":
		var s *pebblekv.Store
		if s, err = pebblekv.Open(cfg.Path, &pebble.Options{}); err == nil {
			kv = s
		}
	case "valkey":
		var s *valkeykv.Store
		if s, err = valkeykv.New(cfg.Addr, "", valkeykv.DefaultNamespace); err == nil {
			kv = s
		}
	case "memory":
		kv = memkv.New()
	default:
		return nil, errors.Errorf("engine: unknown markers driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s markers", cfg.Driver)
	}
	return kv, nil
}

func openSQL(driver, dsn string) (markers.KV, error) {
	s, err := sqlkv.New(driver, dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}
