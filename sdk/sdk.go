package sdk

import (
	"github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/tchap/go-tchap-sdk/api_helper"
	"github.com/tchap/go-tchap-sdk/config"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.uber.org/ratelimit"
	"io"
	"net/url"
	"os"
	"sync"
	"time"
)

var (
	// ErrorInvalidHomeserverURL is returned when the HomeserverURL given in InitializeOptions is invalid.
	ErrorInvalidHomeserverURL = utils.NewTchapError("INVALID_HOMESERVER_URL", "the HomeserverURL is invalid")
	// ErrorRequireAccount is returned when trying to use a function that needs an account, but the session has no account yet
	ErrorRequireAccount = utils.NewTchapError("REQUIRE_ACCOUNT", "this function cannot be called before creating an account")
	// ErrorRequireNoAccount is returned when trying to use a function that needs a session without account
	ErrorRequireNoAccount = utils.NewTchapError("REQUIRE_NO_ACCOUNT", "this function cannot be called once an account has been created")
	// ErrorSessionClosed is returned when this session has been closed
	ErrorSessionClosed = utils.NewTchapError("SESSION_CLOSED", "this session has already been closed")
	// ErrorDatabaseRequired is returned when Database is not defined
	ErrorDatabaseRequired = utils.NewTchapError("SESSION_DATABASE_REQUIRED", "Database argument is required")
	// ErrorInvalidConfig is returned when the Config given in InitializeOptions does not validate
	ErrorInvalidConfig = utils.NewTchapError("SESSION_INVALID_CONFIG", "the Config is invalid")
)

const (
	apiPrefix   = "/_matrix/client/v3"
	mediaPrefix = "/_matrix/media/v3"
)

// InitializeOptions is the main options object for initializing a device session.
type InitializeOptions struct {
	// HomeserverURL is the base URL of the homeserver, without the client API prefix.
	HomeserverURL string
	// Database is the storage backend instance to use to store the data for this session.
	Database Database
	// Config holds the application flags. Defaults to config.Default().
	Config *config.Config
	// SyncTimeout is the long-poll timeout of each /sync request. Defaults to 30s.
	SyncTimeout time.Duration
	// DecryptionCacheSize is the number of decrypted events kept in memory. Defaults to 1000.
	DecryptionCacheSize int
	// GossipRequestsPerSecond caps the rate of outgoing gossiping requests. Defaults to 10.
	GossipRequestsPerSecond int
	// LogLevel is the minimum level of logs you want. Use one of the zerolog level constants.
	LogLevel zerolog.Level
	// LogNoColor should be set to true if you want to disable colors in the log output.
	LogNoColor bool
	// InstanceName is an arbitrary name to give to this session. It is added to logs, which helps when running multiple devices in one process.
	InstanceName string
	// LogWriter is the io.Writer to which to write the logs. Defaults to os.Stdout.
	LogWriter io.Writer
}

type storage struct {
	currentDevice currentDeviceStorage
	devices       devicesStorage
	crossSigning  crossSigningStorage
	groupSessions groupSessionsStorage
	gossiping     gossipingStorage
	keyBackup     keyBackupStorage
	rooms         roomsStorage
}

type stateLocks struct {
	currentDeviceLock sync.RWMutex     // Lock when doing something that can change the current device (creating account / logging in / closing)
	downloadLockGroup utils.MutexGroup // Avoids downloading the keys of the same user in parallel
	roomsLockGroup    utils.MutexGroup // Serializes outbound session creation and sharing per room
	trustLock         sync.Mutex       // Serializes trust changes and the re-evaluation of pending requests they trigger
}

// Session is the object representing one device of one user.
// You must never create a Session yourself. Instead, always use Initialize.
type Session struct {
	apiClient homeserverApiClientInterface
	storage   storage
	locks     stateLocks
	options   *InitializeOptions
	logger    zerolog.Logger
	closed    bool

	verification    *VerificationService
	decryptionCache *lru.Cache[string, *DecryptionResult]
	gossipLimiter   ratelimit.Limiter
	gossipLogger    zerolog.Logger
	syncLoop        syncLoop

	// replayIndex maps timeline|session|message index -> event id.
	replayIndex map[string]string
	replayLock  sync.Mutex
}

func validateOptions(options InitializeOptions) error {
	u, err := url.Parse(options.HomeserverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return tracerr.Wrap(ErrorInvalidHomeserverURL.AddDetails(options.HomeserverURL))
	}
	if options.Database == nil {
		return tracerr.Wrap(ErrorDatabaseRequired)
	}
	if options.Config != nil {
		if err = options.Config.Validate(); err != nil {
			return tracerr.Wrap(ErrorInvalidConfig.AddDetails(err.Error()))
		}
	}
	return nil
}

// Initialize is the function to use to create a device session.
// It receives an InitializeOptions object, and returns a Session loaded from the Database.
func Initialize(options *InitializeOptions) (*Session, error) {
	err := validateOptions(*options)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	if options.LogWriter == nil {
		options.LogWriter = os.Stdout
	}
	if options.Config == nil {
		options.Config = config.Default()
	}
	if options.SyncTimeout == 0 {
		options.SyncTimeout = 30 * time.Second
	}
	if options.DecryptionCacheSize == 0 {
		options.DecryptionCacheSize = 1000
	}
	if options.GossipRequestsPerSecond == 0 {
		options.GossipRequestsPerSecond = 10
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	instanceLogger := zerolog.New(zerolog.ConsoleWriter{Out: options.LogWriter, TimeFormat: time.StampMilli, NoColor: options.LogNoColor}).With().Timestamp().Logger()
	instanceLogger = instanceLogger.Level(options.LogLevel)
	if options.InstanceName != "" {
		instanceLogger = instanceLogger.With().Str("instance", options.InstanceName).Logger()
	}

	instanceLogger.Debug().Msg("Initialize new session...")
	instanceLogger.Trace().Interface("opts", options).Msg("Init options")

	err = options.Database.initialize()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	cache, err := lru.New[string, *DecryptionResult](options.DecryptionCacheSize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	apiLogger := instanceLogger.With().Str("component", "homeserverApiClient").Logger()
	session := &Session{
		apiClient: &homeserverApiClient{
			ApiClient: *api_helper.NewApiClient(
				options.HomeserverURL+apiPrefix,
				[]api_helper.Header{{Name: "User-Agent", Value: "go-tchap-sdk/" + utils.Version}},
				apiLogger,
			),
			media: api_helper.NewApiClient(
				options.HomeserverURL+mediaPrefix,
				[]api_helper.Header{{Name: "User-Agent", Value: "go-tchap-sdk/" + utils.Version}},
				apiLogger.With().Str("api", "media").Logger(),
			),
		},
		options:         options,
		logger:          instanceLogger,
		decryptionCache: cache,
		gossipLimiter:   ratelimit.New(options.GossipRequestsPerSecond),
		gossipLogger:    instanceLogger.With().Str("component", "gossiping").Logger(),
		replayIndex:     make(map[string]string),
	}
	session.verification = newVerificationService(session)

	if err = session.readStorage(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if token := session.storage.currentDevice.get().AccessToken; token != "" {
		session.apiClient.setAccessToken(token)
	}

	session.closed = false
	return session, nil
}

func (session *Session) readStorage() error {
	db := session.options.Database
	if err := db.readCurrentDevice(&session.storage.currentDevice); err != nil {
		return tracerr.Wrap(err)
	}
	if err := db.readDevices(&session.storage.devices); err != nil {
		return tracerr.Wrap(err)
	}
	if err := db.readCrossSigning(&session.storage.crossSigning); err != nil {
		return tracerr.Wrap(err)
	}
	if err := db.readGroupSessions(&session.storage.groupSessions); err != nil {
		return tracerr.Wrap(err)
	}
	if err := db.readGossiping(&session.storage.gossiping); err != nil {
		return tracerr.Wrap(err)
	}
	if err := db.readKeyBackup(&session.storage.keyBackup); err != nil {
		return tracerr.Wrap(err)
	}
	if err := db.readRooms(&session.storage.rooms); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// Close stops the sync loop and closes the session. This frees any lock on the current database. After calling Close, the session cannot be used anymore.
func (session *Session) Close() error {
	if session.closed { // Checking if already closed, to bail out
		session.logger.Debug().Msg("Already closed")
		return nil
	}

	session.StopSync()

	session.locks.currentDeviceLock.Lock()
	defer session.locks.currentDeviceLock.Unlock()

	if session.closed { // Checking again, because maybe it got closed while we were acquiring the lock
		session.logger.Debug().Msg("Already closed after lock")
		return nil
	}

	session.logger.Debug().Msg("Closing...")
	session.verification.close()

	err := session.options.Database.close()
	if err != nil {
		return tracerr.Wrap(err)
	}

	session.closed = true
	session.logger.Info().Msg("Closed")
	return nil
}

func (session *Session) checkSessionState(mustHaveAccount bool) error {
	if session.closed {
		return tracerr.Wrap(ErrorSessionClosed)
	}
	hasAccount := session.storage.currentDevice.get().UserId != ""
	if !hasAccount && mustHaveAccount {
		return tracerr.Wrap(ErrorRequireAccount)
	}
	if hasAccount && !mustHaveAccount {
		return tracerr.Wrap(ErrorRequireNoAccount)
	}
	return nil
}

// MyUserId returns the user id of this session, or an empty string before login.
func (session *Session) MyUserId() string {
	return session.storage.currentDevice.get().UserId
}

// MyDeviceId returns the device id of this session, or an empty string before login.
func (session *Session) MyDeviceId() string {
	return session.storage.currentDevice.get().DeviceId
}

// Config returns the application flags this session was initialized with.
func (session *Session) Config() *config.Config {
	return session.options.Config
}

func (session *Session) saveCurrentDevice() error {
	return session.options.Database.writeCurrentDevice(&session.storage.currentDevice)
}

func (session *Session) saveDevices() error {
	return session.options.Database.writeDevices(&session.storage.devices)
}

func (session *Session) saveCrossSigning() error {
	return session.options.Database.writeCrossSigning(&session.storage.crossSigning)
}

func (session *Session) saveGroupSessions() error {
	return session.options.Database.writeGroupSessions(&session.storage.groupSessions)
}

func (session *Session) saveGossiping() error {
	return session.options.Database.writeGossiping(&session.storage.gossiping)
}

func (session *Session) saveKeyBackup() error {
	return session.options.Database.writeKeyBackup(&session.storage.keyBackup)
}

func (session *Session) saveRooms() error {
	return session.options.Database.writeRooms(&session.storage.rooms)
}
