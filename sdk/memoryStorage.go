package sdk

import (
	"github.com/ztrue/tracerr"
)

// MemoryStorage is an implementation of Database, which stores the data in memory only.
// This instance should then directly be passed to InitializeOptions.
type MemoryStorage struct {
	initialized bool
	closed      bool
}

func (f *MemoryStorage) initialize() error {
	if f.initialized {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}
	f.initialized = true
	return nil
}

func (f *MemoryStorage) close() error {
	f.closed = true
	return nil
}

func (f *MemoryStorage) check() error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	return nil
}

func (f *MemoryStorage) readCurrentDevice(storage *currentDeviceStorage) error {
	if err := f.check(); err != nil {
		return err
	}
	storage.set(currentDevice{})
	return nil
}

func (f *MemoryStorage) writeCurrentDevice(_ *currentDeviceStorage) error {
	return f.check()
}

func (f *MemoryStorage) readDevices(storage *devicesStorage) error {
	if err := f.check(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.reset()
	return nil
}

func (f *MemoryStorage) writeDevices(_ *devicesStorage) error {
	return f.check()
}

func (f *MemoryStorage) readCrossSigning(_ *crossSigningStorage) error {
	return f.check()
}

func (f *MemoryStorage) writeCrossSigning(_ *crossSigningStorage) error {
	return f.check()
}

func (f *MemoryStorage) readGroupSessions(storage *groupSessionsStorage) error {
	if err := f.check(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.reset()
	return nil
}

func (f *MemoryStorage) writeGroupSessions(_ *groupSessionsStorage) error {
	return f.check()
}

func (f *MemoryStorage) readGossiping(storage *gossipingStorage) error {
	if err := f.check(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.reset()
	return nil
}

func (f *MemoryStorage) writeGossiping(_ *gossipingStorage) error {
	return f.check()
}

func (f *MemoryStorage) readKeyBackup(storage *keyBackupStorage) error {
	if err := f.check(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.reset()
	return nil
}

func (f *MemoryStorage) writeKeyBackup(_ *keyBackupStorage) error {
	return f.check()
}

func (f *MemoryStorage) readRooms(storage *roomsStorage) error {
	if err := f.check(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.reset()
	return nil
}

func (f *MemoryStorage) writeRooms(_ *roomsStorage) error {
	return f.check()
}
