package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrorInvalidUserId is returned when a string is not a valid Matrix user ID
	ErrorInvalidUserId = NewTchapError("INVALID_USER_ID", "invalid user ID")
	// ErrorInvalidUserIdSlice is returned when the given slice of user IDs includes an invalid one
	ErrorInvalidUserIdSlice = NewTchapError("INVALID_USER_ID_SLICE", "invalid user ID in slice")
	// ErrorInvalidRoomId is returned when a string is not a valid Matrix room ID
	ErrorInvalidRoomId = NewTchapError("INVALID_ROOM_ID", "invalid room ID")
	// ErrorInvalidDeviceId is returned when a device ID is empty or contains forbidden characters
	ErrorInvalidDeviceId = NewTchapError("INVALID_DEVICE_ID", "invalid device ID")
	// ErrorNotUnique is returned when items in a slice are not unique.
	ErrorNotUnique = NewTchapError("NOT_UNIQUE", "not unique")
)

var (
	userIdRegexp   = regexp.MustCompile(`^@[a-z0-9._=\-/+]+:[a-zA-Z0-9.\-]+(:[0-9]+)?$`)
	roomIdRegexp   = regexp.MustCompile(`^![A-Za-z0-9._=\-/+]+:[a-zA-Z0-9.\-]+(:[0-9]+)?$`)
	deviceIdRegexp = regexp.MustCompile(`^[A-Za-z0-9._=\-]{1,255}$`)
)

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return b, nil
}

// GenerateRandomId returns an unpadded base64 string usable as a transaction or request ID.
// It encodes n random bytes without '+' and '/', so its length varies around 4n/3.
func GenerateRandomId(n int) (string, error) {
	b, err := GenerateRandomBytes(n)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return strings.NewReplacer("+", "", "/", "").Replace(base64.RawStdEncoding.EncodeToString(b)), nil
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateRandomString returns exactly n characters drawn uniformly from [A-Za-z0-9].
func GenerateRandomString(n int) (string, error) {
	// 248 is the largest multiple of 62 below 256: higher bytes are dropped to avoid bias
	const limit = 256 - 256%len(alphanumeric)
	out := make([]byte, 0, n)
	for len(out) < n {
		b, err := GenerateRandomBytes(n - len(out) + 8)
		if err != nil {
			return "", tracerr.Wrap(err)
		}
		for _, c := range b {
			if int(c) < limit && len(out) < n {
				out = append(out, alphanumeric[int(c)%len(alphanumeric)])
			}
		}
	}
	return string(out), nil
}

// EncodeBase64 is the unpadded standard base64 Matrix uses everywhere.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// Base64DecodeString decodes a Base64-encoded string, handling both
// padded and non-padded input.
func Base64DecodeString(s string) ([]byte, error) {
	if strings.Contains(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func IsUserId(userId string) bool {
	return userIdRegexp.MatchString(userId)
}

func CheckUserId(userId string) error {
	if IsUserId(userId) {
		return nil
	}
	return tracerr.Wrap(ErrorInvalidUserId.AddDetails(userId))
}

func CheckUserIdSlice(userIds []string) error {
	for _, userId := range userIds {
		if !IsUserId(userId) {
			return tracerr.Wrap(ErrorInvalidUserIdSlice.AddDetails(userId))
		}
	}
	return nil
}

func CheckRoomId(roomId string) error {
	if roomIdRegexp.MatchString(roomId) {
		return nil
	}
	return tracerr.Wrap(ErrorInvalidRoomId.AddDetails(roomId))
}

func CheckDeviceId(deviceId string) error {
	if deviceIdRegexp.MatchString(deviceId) {
		return nil
	}
	return tracerr.Wrap(ErrorInvalidDeviceId.AddDetails(deviceId))
}

// ServerNameFromId returns the part after the first colon of a Matrix identifier.
func ServerNameFromId(id string) string {
	idx := strings.Index(id, ":")
	if idx < 0 {
		return ""
	}
	return id[idx+1:]
}

// Set implements three methods: Add, Remove & Has.
// It needs to be defined with a comparable generic type such as int or string.
// The len operator can be used on Set.
type Set[T comparable] map[T]struct{}

// Add adds the given element to the Set.
func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

// Remove removes given element from Set. If element is not in Set, Remove is a no-op.
func (s Set[T]) Remove(element T) {
	delete(s, element)
}

// Has checks if element is in Set, and returns true or false.
func (s Set[T]) Has(element T) bool {
	_, ok := s[element]
	return ok
}

func SliceMap[T interface{}, U interface{}](s []T, f func(T) U) []U {
	output := make([]U, len(s))
	for i, e := range s {
		output[i] = f(e)
	}
	return output
}

func SliceIncludes[T comparable](s []T, u T) bool {
	for _, e := range s {
		if e == u {
			return true
		}
	}
	return false
}

// UniqueSlice returns the distinct elements of slice, keeping the first occurrence order.
func UniqueSlice[T comparable](slice []T) []T {
	seen := Set[T]{}
	var uniqueSlice []T
	for _, el := range slice {
		if seen.Has(el) {
			continue
		}
		seen.Add(el)
		uniqueSlice = append(uniqueSlice, el)
	}
	return uniqueSlice
}

func CheckSliceUnique[T comparable](slice []T) error {
	for xi, x := range slice {
		for _, y := range slice[xi+1:] {
			if x == y {
				return ErrorNotUnique.AddDetails(fmt.Sprint(x))
			}
		}
	}
	return nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func NormalizeString(s string) []byte {
	return norm.NFKC.Bytes([]byte(s))
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

type MutexGroup struct {
	internalMap     map[string]*sync.Mutex
	internalMapLock sync.RWMutex
}

func (group *MutexGroup) getLock(key string, createIfNecessary bool) *sync.Mutex {
	group.internalMapLock.RLock()
	lock := group.internalMap[key]
	group.internalMapLock.RUnlock()
	if lock == nil {
		if !createIfNecessary {
			panic("Trying to unlock a lock which does not exist")
		}
		group.internalMapLock.Lock()
		// maybe another goroutine created it before we acquired the global write lock?
		lock = group.internalMap[key]
		if lock == nil {
			lock = &sync.Mutex{}
			if group.internalMap == nil {
				group.internalMap = make(map[string]*sync.Mutex)
			}
			group.internalMap[key] = lock
		}
		group.internalMapLock.Unlock()
	}
	return lock
}

func (group *MutexGroup) Lock(key string) {
	group.getLock(key, true).Lock()
}

func (group *MutexGroup) Unlock(key string) {
	group.getLock(key, false).Unlock()
}

// LockMultiple acquires keys in sorted order, so that concurrent callers cannot deadlock.
func (group *MutexGroup) LockMultiple(keys []string) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	for _, key := range sorted {
		group.Lock(key)
	}
}

func (group *MutexGroup) UnlockMultiple(keys []string) {
	for _, key := range keys {
		group.Unlock(key)
	}
}

// Ternary is a helper function to inline ternary operations
func Ternary[T any](condition bool, valTrue T, valFalse T) T {
	if condition {
		return valTrue
	}
	return valFalse
}
