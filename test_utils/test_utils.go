package test_utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tchap/go-tchap-sdk/homeserver"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/bcrypt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

const DatabaseEncryptionKeyB64 = "V4olGDOE5bAWNa9HDCvOACvZ59hUSUdKmpuZNyl1eJQnWKs5/l+PGnKUv4mKjivL3BtU014uRAIF2sOl83o6vQ"

const TestServerName = "tchap.test"

var (
	ErrorSyntheticTestError = utils.NewTchapError("SYNTHETIC_TEST_ERROR", "Synthetic test error")
)

func SyntheticErrorCallback(_ any) ([]byte, error) {
	return nil, tracerr.Wrap(ErrorSyntheticTestError)
}

// StartHomeserver runs an in-memory homeserver for the duration of the test, and returns its base URL.
func StartHomeserver(t testing.TB) string {
	server, err := homeserver.New(homeserver.Options{
		ServerName: TestServerName,
		BcryptCost: bcrypt.MinCost,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("cannot create homeserver: %v", err)
	}
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)
	return httpServer.URL
}

// UserId returns the full user id of localpart on the test homeserver.
func UserId(localpart string) string {
	return "@" + localpart + ":" + TestServerName
}

func GetDBPath(dbName string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", tracerr.Wrap(err)
	}

	dbPath := filepath.Join(wd, "test_output", dbName)
	return dbPath, nil
}

func GetCurrentPath() string {
	_, filename, _, _ := runtime.Caller(1)

	return filepath.Dir(filename)
}

var testDirsNames sync.Map

func GetTestName(t testing.TB) string {
	loadedValue, _ := testDirsNames.LoadOrStore(t.Name(), 0)
	value := loadedValue.(int)
	name := fmt.Sprintf("%s_%d", t.Name(), value)
	testDirsNames.Store(t.Name(), value+1)
	return name
}

func GetRandomString(length int) string {
	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		panic("Error generating random in GetRandomString:" + err.Error())
	}
	str := hex.EncodeToString(b)
	return str[0:length]
}
