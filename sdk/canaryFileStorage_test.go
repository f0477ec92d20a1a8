package sdk

import (
	"github.com/ztrue/tracerr"
)

type canaryFileStorage struct {
	storage   Database
	ToExecute map[string]func() error
	Counter   map[string]int
}

func newCanaryFileStorage(storage Database) *canaryFileStorage {
	return &canaryFileStorage{storage: storage, ToExecute: make(map[string]func() error), Counter: make(map[string]int)}
}

func executeFileStorageCanary(c canaryFileStorage, funcName string) error {
	c.Counter[funcName] += 1
	if c.ToExecute[funcName] != nil {
		err := c.ToExecute[funcName]()
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}

func (c canaryFileStorage) initialize() error {
	err := executeFileStorageCanary(c, "Initialize")
	if err != nil {
		return err
	}
	return c.storage.initialize()
}

func (c canaryFileStorage) close() error {
	err := executeFileStorageCanary(c, "Close")
	if err != nil {
		return err
	}
	return c.storage.close()
}

func (c canaryFileStorage) readCurrentDevice(storage *currentDeviceStorage) error {
	err := executeFileStorageCanary(c, "ReadCurrentDevice")
	if err != nil {
		return err
	}
	return c.storage.readCurrentDevice(storage)
}

func (c canaryFileStorage) writeCurrentDevice(storage *currentDeviceStorage) error {
	err := executeFileStorageCanary(c, "WriteCurrentDevice")
	if err != nil {
		return err
	}
	return c.storage.writeCurrentDevice(storage)
}

func (c canaryFileStorage) readDevices(storage *devicesStorage) error {
	err := executeFileStorageCanary(c, "ReadDevices")
	if err != nil {
		return err
	}
	return c.storage.readDevices(storage)
}

func (c canaryFileStorage) writeDevices(storage *devicesStorage) error {
	err := executeFileStorageCanary(c, "WriteDevices")
	if err != nil {
		return err
	}
	return c.storage.writeDevices(storage)
}

func (c canaryFileStorage) readCrossSigning(storage *crossSigningStorage) error {
	err := executeFileStorageCanary(c, "ReadCrossSigning")
	if err != nil {
		return err
	}
	return c.storage.readCrossSigning(storage)
}

func (c canaryFileStorage) writeCrossSigning(storage *crossSigningStorage) error {
	err := executeFileStorageCanary(c, "WriteCrossSigning")
	if err != nil {
		return err
	}
	return c.storage.writeCrossSigning(storage)
}

func (c canaryFileStorage) readGroupSessions(storage *groupSessionsStorage) error {
	err := executeFileStorageCanary(c, "ReadGroupSessions")
	if err != nil {
		return err
	}
	return c.storage.readGroupSessions(storage)
}

func (c canaryFileStorage) writeGroupSessions(storage *groupSessionsStorage) error {
	err := executeFileStorageCanary(c, "WriteGroupSessions")
	if err != nil {
		return err
	}
	return c.storage.writeGroupSessions(storage)
}

func (c canaryFileStorage) readGossiping(storage *gossipingStorage) error {
	err := executeFileStorageCanary(c, "ReadGossiping")
	if err != nil {
		return err
	}
	return c.storage.readGossiping(storage)
}

func (c canaryFileStorage) writeGossiping(storage *gossipingStorage) error {
	err := executeFileStorageCanary(c, "WriteGossiping")
	if err != nil {
		return err
	}
	return c.storage.writeGossiping(storage)
}

func (c canaryFileStorage) readKeyBackup(storage *keyBackupStorage) error {
	err := executeFileStorageCanary(c, "ReadKeyBackup")
	if err != nil {
		return err
	}
	return c.storage.readKeyBackup(storage)
}

func (c canaryFileStorage) writeKeyBackup(storage *keyBackupStorage) error {
	err := executeFileStorageCanary(c, "WriteKeyBackup")
	if err != nil {
		return err
	}
	return c.storage.writeKeyBackup(storage)
}

func (c canaryFileStorage) readRooms(storage *roomsStorage) error {
	err := executeFileStorageCanary(c, "ReadRooms")
	if err != nil {
		return err
	}
	return c.storage.readRooms(storage)
}

func (c canaryFileStorage) writeRooms(storage *roomsStorage) error {
	err := executeFileStorageCanary(c, "WriteRooms")
	if err != nil {
		return err
	}
	return c.storage.writeRooms(storage)
}
