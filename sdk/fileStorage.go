package sdk

import (
	"encoding/json"
	"github.com/allan-simon/go-singleinstance"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	// ErrorDatabaseLocked is returned when another session is already using this database
	ErrorDatabaseLocked = utils.NewTchapError("DATABASE_LOCKED", "another session is already using this database")
	// ErrorDatabaseClosed is returned when trying to use a database which is not open
	ErrorDatabaseClosed = utils.NewTchapError("DATABASE_CLOSED", "database closed")
	// ErrorDatabaseAlreadyInitialized is returned when trying to initialize a database which has already been initialized
	ErrorDatabaseAlreadyInitialized = utils.NewTchapError("DATABASE_ALREADY_INITIALIZED", "database already initialized")
)

const (
	currentDeviceFile = "current_device_storage"
	devicesFile       = "devices_storage"
	crossSigningFile  = "cross_signing_storage"
	groupSessionsFile = "group_sessions_storage"
	gossipingFile     = "gossiping_storage"
	keyBackupFile     = "key_backup_storage"
	roomsFile         = "rooms_storage"
)

func readStorage[T interface{}](fileName string, key symmetric_key.SymKey, data *T) error {
	read, err := os.ReadFile(fileName)

	if err != nil {
		if os.IsNotExist(err) {
			return nil
		} else {
			return tracerr.Wrap(err)
		}
	}

	if len(read) == 0 {
		return nil
	}

	decryptedData, err := key.Decrypt(read)
	if err != nil {
		return tracerr.Wrap(err)
	}

	err = json.Unmarshal(decryptedData, data)
	if err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

func writeStorage[T interface{}](fileName string, key symmetric_key.SymKey, data *T) error {
	marshalledData, err := json.Marshal(data)
	if err != nil {
		return tracerr.Wrap(err)
	}

	encryptedData, err := key.Encrypt(marshalledData)
	if err != nil {
		return tracerr.Wrap(err)
	}

	// Format requires the '.' for milliseconds, which we do not want in a file name
	now := strings.Replace(time.Now().Format("20060102150405.000"), ".", "", 1)
	tempFileName := fileName + "_temp_" + now

	// write in 2 steps for atomic write
	err = os.WriteFile(tempFileName, encryptedData, 0600)
	if err != nil {
		return tracerr.Wrap(err)
	}

	err = os.Rename(tempFileName, fileName)
	if err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

// FileStorage is an implementation of Database, which stores the data on the File System.
// To create it, you must instantiate a FileStorage object with an EncryptionKey and DatabaseDir.
// This instance should then directly be passed to InitializeOptions.
type FileStorage struct {
	EncryptionKey symmetric_key.SymKey
	DatabaseDir   string
	databaseLock  *os.File
	// these locks are for the files on FS, whereas the lock in each store is for the data in memory
	currentDeviceFileLock sync.Mutex
	devicesFileLock       sync.Mutex
	crossSigningFileLock  sync.Mutex
	groupSessionsFileLock sync.Mutex
	gossipingFileLock     sync.Mutex
	keyBackupFileLock     sync.Mutex
	roomsFileLock         sync.Mutex
}

func (f *FileStorage) initialize() error {
	if f.databaseLock != nil {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}

	err := os.MkdirAll(f.DatabaseDir, 0700)
	if err != nil {
		return tracerr.Wrap(err)
	}
	lockPath := filepath.Join(f.DatabaseDir, "lock")
	databaseLock, err := singleinstance.CreateLockFile(lockPath)
	if err != nil {
		if (runtime.GOOS == "windows" && err.Error() == "remove "+lockPath+": The process cannot access the file because it is being used by another process.") ||
			err.Error() == "resource temporarily unavailable" {
			return tracerr.Wrap(ErrorDatabaseLocked)
		} else {
			return tracerr.Wrap(err)
		}
	}
	f.databaseLock = databaseLock
	return nil
}

func (f *FileStorage) close() error {
	// ensure any writes which are already in flight finish before closing the DB
	for _, lock := range []*sync.Mutex{
		&f.currentDeviceFileLock, &f.devicesFileLock, &f.crossSigningFileLock, &f.groupSessionsFileLock,
		&f.gossipingFileLock, &f.keyBackupFileLock, &f.roomsFileLock,
	} {
		lock.Lock()
		defer lock.Unlock()
	}

	// release the DB lock
	err := f.databaseLock.Close()
	if err != nil {
		return tracerr.Wrap(err)
	}
	f.databaseLock = nil

	return nil
}

// readStore loads a store under its memory lock and its file lock.
func readStore[T interface{}](f *FileStorage, name string, fileLock *sync.Mutex, storeLock *sync.RWMutex, reset func(), data *T) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storeLock.Lock()
	defer storeLock.Unlock()
	fileLock.Lock()
	defer fileLock.Unlock()
	reset()
	return readStorage[T](filepath.Join(f.DatabaseDir, name), f.EncryptionKey, data)
}

func writeStore[T interface{}](f *FileStorage, name string, fileLock *sync.Mutex, storeLock *sync.RWMutex, data *T) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storeLock.RLock()
	defer storeLock.RUnlock()
	fileLock.Lock()
	defer fileLock.Unlock()
	return writeStorage[T](filepath.Join(f.DatabaseDir, name), f.EncryptionKey, data)
}

func (f *FileStorage) readCurrentDevice(storage *currentDeviceStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	f.currentDeviceFileLock.Lock()
	defer f.currentDeviceFileLock.Unlock()
	device := &currentDevice{}
	err := readStorage[currentDevice](filepath.Join(f.DatabaseDir, currentDeviceFile), f.EncryptionKey, device)
	if err != nil {
		return tracerr.Wrap(err)
	}
	storage.set(*device)
	return nil
}

func (f *FileStorage) writeCurrentDevice(storage *currentDeviceStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	device := storage.get()
	f.currentDeviceFileLock.Lock()
	defer f.currentDeviceFileLock.Unlock()
	return writeStorage[currentDevice](filepath.Join(f.DatabaseDir, currentDeviceFile), f.EncryptionKey, &device)
}

func (f *FileStorage) readDevices(storage *devicesStorage) error {
	return readStore[devicesData](f, devicesFile, &f.devicesFileLock, &storage.lock, storage.reset, &storage.devicesData)
}

func (f *FileStorage) writeDevices(storage *devicesStorage) error {
	return writeStore[devicesData](f, devicesFile, &f.devicesFileLock, &storage.lock, &storage.devicesData)
}

func (f *FileStorage) readCrossSigning(storage *crossSigningStorage) error {
	return readStore[crossSigningData](f, crossSigningFile, &f.crossSigningFileLock, &storage.lock, func() {}, &storage.crossSigningData)
}

func (f *FileStorage) writeCrossSigning(storage *crossSigningStorage) error {
	return writeStore[crossSigningData](f, crossSigningFile, &f.crossSigningFileLock, &storage.lock, &storage.crossSigningData)
}

func (f *FileStorage) readGroupSessions(storage *groupSessionsStorage) error {
	return readStore[groupSessionsData](f, groupSessionsFile, &f.groupSessionsFileLock, &storage.lock, storage.reset, &storage.groupSessionsData)
}

func (f *FileStorage) writeGroupSessions(storage *groupSessionsStorage) error {
	return writeStore[groupSessionsData](f, groupSessionsFile, &f.groupSessionsFileLock, &storage.lock, &storage.groupSessionsData)
}

func (f *FileStorage) readGossiping(storage *gossipingStorage) error {
	return readStore[gossipingData](f, gossipingFile, &f.gossipingFileLock, &storage.lock, storage.reset, &storage.gossipingData)
}

func (f *FileStorage) writeGossiping(storage *gossipingStorage) error {
	return writeStore[gossipingData](f, gossipingFile, &f.gossipingFileLock, &storage.lock, &storage.gossipingData)
}

func (f *FileStorage) readKeyBackup(storage *keyBackupStorage) error {
	return readStore[keyBackupData](f, keyBackupFile, &f.keyBackupFileLock, &storage.lock, storage.reset, &storage.keyBackupData)
}

func (f *FileStorage) writeKeyBackup(storage *keyBackupStorage) error {
	return writeStore[keyBackupData](f, keyBackupFile, &f.keyBackupFileLock, &storage.lock, &storage.keyBackupData)
}

func (f *FileStorage) readRooms(storage *roomsStorage) error {
	return readStore[roomsData](f, roomsFile, &f.roomsFileLock, &storage.lock, storage.reset, &storage.roomsData)
}

func (f *FileStorage) writeRooms(storage *roomsStorage) error {
	return writeStore[roomsData](f, roomsFile, &f.roomsFileLock, &storage.lock, &storage.roomsData)
}
