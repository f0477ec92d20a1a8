package sdk

// Database is the interface that must be implemented by the storage backends.
// You should not have to use this directly.
type Database interface { // Must be exported because it is an input type in InitializeOptions
	initialize() error
	close() error
	readCurrentDevice(storage *currentDeviceStorage) error
	writeCurrentDevice(storage *currentDeviceStorage) error
	readDevices(storage *devicesStorage) error
	writeDevices(storage *devicesStorage) error
	readCrossSigning(storage *crossSigningStorage) error
	writeCrossSigning(storage *crossSigningStorage) error
	readGroupSessions(storage *groupSessionsStorage) error
	writeGroupSessions(storage *groupSessionsStorage) error
	readGossiping(storage *gossipingStorage) error
	writeGossiping(storage *gossipingStorage) error
	readKeyBackup(storage *keyBackupStorage) error
	writeKeyBackup(storage *keyBackupStorage) error
	readRooms(storage *roomsStorage) error
	writeRooms(storage *roomsStorage) error
}
