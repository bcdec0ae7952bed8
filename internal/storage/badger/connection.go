package badger

import (
	"errors"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil // Disable default badger logger to use arbor

	if config.InMemory {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		// If reset_on_startup is enabled, delete the existing database
		if config.ResetOnStartup {
			if _, err := os.Stat(config.Path); err == nil {
				logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
				if err := os.RemoveAll(config.Path); err != nil {
					logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
				}
			}
		}

		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = config.Path
		options.ValueDir = config.Path
	}

	if config.ValueLogFileSize > 0 {
		options.ValueLogFileSize = config.ValueLogFileSize
	}

	logger.Debug().Str("path", config.Path).Bool("in_memory", config.InMemory).Msg("Opening Badger database connection")

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// storeErr passes domain errors through and marks everything else as a store failure.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		models.ErrJobNotFound,
		models.ErrLeaseLost,
		models.ErrLeaseConflict,
		models.ErrScheduleNotFound,
		models.ErrMetricNotFound,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, op, err)
}
