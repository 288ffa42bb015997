// Package ouroborosstream is a parallel, resumable, authenticated
// streaming encryption engine. It transforms an ordered byte stream
// into a self-describing encrypted container of digest-committed
// segments, and back, preserving confidentiality, authenticity,
// ordering, and crash-atomic segment boundaries.
package ouroborosstream

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-stream/journal"
)

var log *logrus.Logger

// Engine holds the master key, configuration, and optional recovery
// journal for any number of encrypt/decrypt runs. Safe for concurrent
// use; every stream derives its own session key and worker topology.
type Engine struct {
	masterKey      []byte
	config         Config
	journal        *journal.Journal
	encryptCounter uint64
	decryptCounter uint64
}

// New validates the configuration and builds an engine around the
// master key. When the config names a journal path the recovery journal
// is opened here and lives until Close.
func New(masterKey []byte, config *Config) (*Engine, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for stream engine: %w", err)
	}
	if !masterKeyLenOK(len(masterKey)) {
		return nil, fmt.Errorf("master key must be 16, 24 or 32 bytes, got %d", len(masterKey))
	}

	e := &Engine{
		masterKey: append([]byte(nil), masterKey...),
		config:    *config,
	}

	if config.JournalPath != "" {
		j, err := journal.Open(config.JournalPath, config.MinimumFreeSpace)
		if err != nil {
			log.Errorf("Failed to open recovery journal at %s: %v", config.JournalPath, err)
			return nil, err
		}
		e.journal = j
	}

	return e, nil
}

// Close releases the recovery journal, if one is open.
func (e *Engine) Close() error {
	if e.journal == nil {
		return nil
	}
	return e.journal.Close()
}

// Journal exposes the engine's recovery journal, or nil when none is
// configured.
func (e *Engine) Journal() *journal.Journal {
	return e.journal
}

// ResumePoint returns the next segment index to produce for the stream
// identified by salt, based on the journal head. ok is false when the
// stream has no journal entries or no journal is configured.
func (e *Engine) ResumePoint(salt [16]byte) (next uint64, ok bool, err error) {
	if e.journal == nil {
		return 0, false, nil
	}
	last, ok, err := e.journal.LastCommitted(salt)
	if err != nil || !ok {
		return 0, ok, err
	}
	return last + 1, true, nil
}

// Counters returns the number of encrypt and decrypt runs started on
// this engine.
func (e *Engine) Counters() (encrypts, decrypts uint64) {
	return atomic.LoadUint64(&e.encryptCounter), atomic.LoadUint64(&e.decryptCounter)
}

func masterKeyLenOK(n int) bool {
	switch n {
	case 16, 24, 32:
		return true
	}
	return false
}
