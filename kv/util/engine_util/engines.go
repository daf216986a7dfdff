package engine_util

import (
	"os"
	"path/filepath"

	"github.com/Connor1996/badger"
	"github.com/ngaut/log"

	"github.com/yuhaijun999/dingo-store/kv/config"
)

// Engines keeps references to and data for the engines used by the store.
// There is one process-wide badger instance; regions share it and separate
// their data by key prefix.
type Engines struct {
	Kv     *badger.DB
	KvPath string
}

func NewEngines(kvEngine *badger.DB, kvPath string) *Engines {
	return &Engines{
		Kv:     kvEngine,
		KvPath: kvPath,
	}
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.Kv)
}

func (en *Engines) Close() error {
	return en.Kv.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.KvPath)
}

// CreateDB creates a new badger DB on disk at subPath.
func CreateDB(subPath string, conf *config.Engine) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.SyncWrites = true
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		log.Fatal(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal(err)
	}
	return db
}
