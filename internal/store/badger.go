package store

import (
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	logging "github.com/ipfs/go-log/v2"
	badgerds "github.com/ipfs/go-ds-badger4"
)

var badgerLog = logging.Logger("meridian-badger")

// badgerLogger routes badger's internal logging to go-log, demoting its
// chatty info output to debug.
type badgerLogger struct {
	l *logging.ZapEventLogger
}

var _ badger.Logger = badgerLogger{}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.l.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.l.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.l.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.l.Debugf(format, args...) }

// OpenBadger opens the on-disk datastore holding monitoring state under path.
func OpenBadger(path string) (*badgerds.Datastore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badgerds.DefaultOptions
	opts.Options = opts.Options.WithLogger(badgerLogger{l: badgerLog})

	bds, err := badgerds.NewDatastore(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger datastore: %w", err)
	}
	return bds, nil
}
