package sdk

import (
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/test_utils"
	"github.com/tchap/go-tchap-sdk/utils"
	"os"
	"sync"
	"testing"
	"time"
)

const (
	testPassword    = "correct horse battery staple"
	eventualTimeout = 15 * time.Second
	eventualTick    = 20 * time.Millisecond
)

func getInMemoryInitializeOptions(homeserverUrl string, instanceName string) *InitializeOptions {
	return &InitializeOptions{
		HomeserverURL:           homeserverUrl,
		Database:                &MemoryStorage{},
		SyncTimeout:             time.Second,
		GossipRequestsPerSecond: 100,
		LogLevel:                zerolog.ErrorLevel,
		LogNoColor:              true,
		LogWriter:               os.Stderr,
		InstanceName:            instanceName,
	}
}

func getFileInitializeOptions(t *testing.T, homeserverUrl string, dbName string, instanceName string) *InitializeOptions {
	dbPath, err := test_utils.GetDBPath(dbName)
	require.NoError(t, err)
	rawKey, err := utils.Base64DecodeString(test_utils.DatabaseEncryptionKeyB64)
	require.NoError(t, err)
	key, err := symmetric_key.Decode(rawKey)
	require.NoError(t, err)
	options := getInMemoryInitializeOptions(homeserverUrl, instanceName)
	options.Database = &FileStorage{EncryptionKey: key, DatabaseDir: dbPath}
	return options
}

// createTestSession registers a new user with a random name and returns its first device.
func createTestSession(t *testing.T, homeserverUrl string, instanceName string) *Session {
	session, err := Initialize(getInMemoryInitializeOptions(homeserverUrl, instanceName))
	require.NoError(t, err)
	_, err = session.CreateAccount(&CreateAccountOptions{
		Username:          "user" + test_utils.GetRandomString(10),
		Password:          testPassword,
		DeviceDisplayName: instanceName,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// loginTestSession logs into the account of other, which creates a new device.
func loginTestSession(t *testing.T, homeserverUrl string, other *Session, instanceName string) *Session {
	session, err := Initialize(getInMemoryInitializeOptions(homeserverUrl, instanceName))
	require.NoError(t, err)
	_, err = session.LogIntoAccount(&LoginOptions{
		UserId:            other.MyUserId(),
		Password:          testPassword,
		DeviceDisplayName: instanceName,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// bootstrapSecrets creates the cross-signing keys and a key backup for the account of session.
// It returns the recovery key.
func bootstrapSecrets(t *testing.T, session *Session) string {
	err := session.InitializeCrossSigning(&PasswordAuthInterceptor{UserId: session.MyUserId(), Password: testPassword})
	require.NoError(t, err)
	require.True(t, session.CanCrossSign())
	info, err := session.PrepareKeysBackupVersion("")
	require.NoError(t, err)
	_, err = session.CreateKeysBackupVersion(info)
	require.NoError(t, err)
	return info.RecoveryKey
}

func startSync(t *testing.T, sessions ...*Session) {
	for _, session := range sessions {
		require.NoError(t, session.StartSync())
	}
}

// testVerificationListener records every transaction and request it is notified of.
type testVerificationListener struct {
	lock         sync.Mutex
	transactions map[string]SasVerificationTransaction
	requests     map[string]PendingVerificationRequest
}

func newTestVerificationListener(session *Session) *testVerificationListener {
	listener := &testVerificationListener{
		transactions: make(map[string]SasVerificationTransaction),
		requests:     make(map[string]PendingVerificationRequest),
	}
	session.Verification().AddListener(listener)
	return listener
}

func (l *testVerificationListener) TransactionCreated(tx SasVerificationTransaction) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.transactions[tx.TransactionId()] = tx
}

func (l *testVerificationListener) TransactionUpdated(tx SasVerificationTransaction) {
	l.TransactionCreated(tx)
}

func (l *testVerificationListener) VerificationRequestCreated(request PendingVerificationRequest) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.requests[request.TransactionId] = request
}

func (l *testVerificationListener) VerificationRequestUpdated(request PendingVerificationRequest) {
	l.VerificationRequestCreated(request)
}

func (l *testVerificationListener) transaction(transactionId string) SasVerificationTransaction {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.transactions[transactionId]
}

func (l *testVerificationListener) request(transactionId string) (PendingVerificationRequest, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	request, ok := l.requests[transactionId]
	return request, ok
}

func (l *testVerificationListener) incomingRequest() *PendingVerificationRequest {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, request := range l.requests {
		if request.IsIncoming {
			clone := request
			return &clone
		}
	}
	return nil
}

func requireTxState(t *testing.T, tx SasVerificationTransaction, state VerificationTxState) {
	require.Eventually(t, func() bool { return tx.State() == state }, eventualTimeout, eventualTick,
		"transaction stuck in state %s, waiting for %s", tx.State(), state)
}

// startSasVerification runs the request / ready / start / accept exchanges, with requester asking
// to verify the device of other. Both sessions must be syncing. It returns both transactions in
// ShortCodeReady state.
func startSasVerification(t *testing.T, requester *Session, other *Session) (SasVerificationTransaction, SasVerificationTransaction) {
	requesterListener := newTestVerificationListener(requester)
	otherListener := newTestVerificationListener(other)

	transactionId, err := requester.Verification().RequestKeyVerification(
		[]string{common_models.VerificationMethodSAS}, other.MyUserId(), []string{other.MyDeviceId()})
	require.NoError(t, err)

	var incoming *PendingVerificationRequest
	require.Eventually(t, func() bool {
		incoming = otherListener.incomingRequest()
		return incoming != nil
	}, eventualTimeout, eventualTick)
	require.Equal(t, transactionId, incoming.TransactionId)
	require.Equal(t, requester.MyDeviceId(), incoming.OtherDeviceId)
	require.NoError(t, other.Verification().ReadyPendingVerification(transactionId))

	require.Eventually(t, func() bool {
		request, ok := requesterListener.request(transactionId)
		return ok && request.State == VerificationRequestStateReady
	}, eventualTimeout, eventualTick)

	outgoing, err := requester.Verification().BeginKeyVerification(
		common_models.VerificationMethodSAS, other.MyUserId(), other.MyDeviceId(), transactionId)
	require.NoError(t, err)

	var otherTx SasVerificationTransaction
	require.Eventually(t, func() bool {
		otherTx = otherListener.transaction(transactionId)
		return otherTx != nil && otherTx.State() == VerificationTxStateOnStarted
	}, eventualTimeout, eventualTick)
	incomingTx, ok := otherTx.(*IncomingSasVerificationTransaction)
	require.True(t, ok)
	require.NoError(t, incomingTx.PerformAccept())

	requireTxState(t, outgoing, VerificationTxStateShortCodeReady)
	requireTxState(t, otherTx, VerificationTxStateShortCodeReady)
	return outgoing, otherTx
}

// verifySessions runs a full SAS verification of other by requester, confirming on both sides.
func verifySessions(t *testing.T, requester *Session, other *Session) {
	outgoing, incoming := startSasVerification(t, requester, other)
	require.Equal(t, outgoing.GetDecimalCodeRepresentation(), incoming.GetDecimalCodeRepresentation())
	require.NoError(t, incoming.UserHasVerifiedShortCode())
	require.NoError(t, outgoing.UserHasVerifiedShortCode())
	requireTxState(t, outgoing, VerificationTxStateVerified)
	requireTxState(t, incoming, VerificationTxStateVerified)
}
