package sdk

import (
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"sort"
	"sync"
)

type currentDeviceStorage struct {
	currentDevice *currentDevice
	lock          sync.RWMutex
}

type currentDevice struct {
	UserId      string `json:"userId"`
	DeviceId    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	AccessToken string `json:"accessToken"`
	// IdentityKey is the curve25519 key receiving to-device messages.
	IdentityKey *asymkey.PrivateKey `json:"identityKey"`
	// SigningKey is the ed25519 fingerprint key of the device.
	SigningKey *asymkey.SigningPrivateKey `json:"signingKey"`
	SyncToken  string                     `json:"syncToken"`
}

func (device *currentDeviceStorage) get() currentDevice {
	device.lock.RLock()
	defer device.lock.RUnlock()
	if device.currentDevice == nil {
		return currentDevice{}
	}
	return *device.currentDevice
}

func (device *currentDeviceStorage) set(currentDevice currentDevice) {
	device.lock.Lock()
	defer device.lock.Unlock()
	device.currentDevice = &currentDevice
}

func (device *currentDeviceStorage) setSyncToken(token string) {
	device.lock.Lock()
	defer device.lock.Unlock()
	device.currentDevice.SyncToken = token
}

type devicesData struct {
	// Devices maps user id -> device id -> device.
	Devices      map[string]map[string]*CryptoDeviceInfo `json:"devices"`
	CrossSigning map[string]*UserCrossSigningInfo        `json:"crossSigning"`
	// Tracked users have their device list kept up to date from the sync device_lists.
	Tracked  utils.Set[string] `json:"tracked"`
	Outdated utils.Set[string] `json:"outdated"`
}

type devicesStorage struct {
	devicesData
	lock sync.RWMutex
}

func (s *devicesStorage) reset() {
	s.Devices = make(map[string]map[string]*CryptoDeviceInfo)
	s.CrossSigning = make(map[string]*UserCrossSigningInfo)
	s.Tracked = utils.Set[string]{}
	s.Outdated = utils.Set[string]{}
}

func (s *devicesStorage) getDevice(userId string, deviceId string) *CryptoDeviceInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()
	device := s.Devices[userId][deviceId]
	if device == nil {
		return nil
	}
	clone := *device
	return &clone
}

func (s *devicesStorage) getUserDevices(userId string) []*CryptoDeviceInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var result []*CryptoDeviceInfo
	for _, deviceId := range utils.SortedKeys(s.Devices[userId]) {
		clone := *s.Devices[userId][deviceId]
		result = append(result, &clone)
	}
	return result
}

// findByIdentityKey returns the device owning the given curve25519 key, if known.
func (s *devicesStorage) findByIdentityKey(userId string, identityKey string) *CryptoDeviceInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, device := range s.Devices[userId] {
		if device.IdentityKey() == identityKey {
			clone := *device
			return &clone
		}
	}
	return nil
}

func (s *devicesStorage) setUserDevices(userId string, devices map[string]*CryptoDeviceInfo) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Devices[userId] = devices
}

// updateDevice applies f to the stored device and reports whether it exists.
func (s *devicesStorage) updateDevice(userId string, deviceId string, f func(device *CryptoDeviceInfo)) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	device := s.Devices[userId][deviceId]
	if device == nil {
		return false
	}
	f(device)
	return true
}

func (s *devicesStorage) getCrossSigning(userId string) *UserCrossSigningInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()
	info := s.CrossSigning[userId]
	if info == nil {
		return nil
	}
	clone := *info
	return &clone
}

func (s *devicesStorage) setCrossSigning(info *UserCrossSigningInfo) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.CrossSigning[info.UserId] = info
}

func (s *devicesStorage) updateCrossSigning(userId string, f func(info *UserCrossSigningInfo)) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	info := s.CrossSigning[userId]
	if info == nil {
		return false
	}
	f(info)
	return true
}

func (s *devicesStorage) track(userIds []string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, userId := range userIds {
		if !s.Tracked.Has(userId) {
			s.Tracked.Add(userId)
			s.Outdated.Add(userId)
		}
	}
}

// markOutdated flags tracked users whose device list changed.
func (s *devicesStorage) markOutdated(userIds []string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, userId := range userIds {
		if s.Tracked.Has(userId) {
			s.Outdated.Add(userId)
		}
	}
}

func (s *devicesStorage) untrack(userIds []string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, userId := range userIds {
		s.Tracked.Remove(userId)
		s.Outdated.Remove(userId)
	}
}

func (s *devicesStorage) needsDownload(userId string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, known := s.Devices[userId]
	return !known || s.Outdated.Has(userId)
}

func (s *devicesStorage) setUpToDate(userId string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Tracked.Add(userId)
	s.Outdated.Remove(userId)
}

type crossSigningData struct {
	PrivateKeys crosssigning.PrivateKeys `json:"privateKeys"`
}

type crossSigningStorage struct {
	crossSigningData
	lock sync.RWMutex
}

func (s *crossSigningStorage) get() crosssigning.PrivateKeys {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.PrivateKeys
}

func (s *crossSigningStorage) update(f func(keys *crosssigning.PrivateKeys)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f(&s.PrivateKeys)
}

type groupSessionsData struct {
	// Outbound maps room id -> the outbound session currently used in the room.
	Outbound map[string]*outboundGroupSession `json:"outbound"`
	// Inbound is keyed by inboundSessionKey.
	Inbound map[string]*inboundGroupSession `json:"inbound"`
	// SharedWith maps session id -> user id -> device id -> message index the session
	// was shared at. It outlives the outbound session, since it authorizes key requests.
	SharedWith map[string]map[string]map[string]uint32 `json:"sharedWith"`
}

type groupSessionsStorage struct {
	groupSessionsData
	lock sync.RWMutex
}

func (s *groupSessionsStorage) reset() {
	s.Outbound = make(map[string]*outboundGroupSession)
	s.Inbound = make(map[string]*inboundGroupSession)
	s.SharedWith = make(map[string]map[string]map[string]uint32)
}

func inboundSessionKey(roomId string, senderKey string, sessionId string) string {
	return roomId + "|" + senderKey + "|" + sessionId
}

// sharedIndex returns the index at which sessionId was shared with the device, if it was.
func (s *groupSessionsStorage) sharedIndex(sessionId string, userId string, deviceId string) (uint32, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	index, ok := s.SharedWith[sessionId][userId][deviceId]
	return index, ok
}

type gossipingData struct {
	Outgoing map[string]*OutgoingGossipingRequest `json:"outgoing"`
	// Incoming is keyed by incomingRequestKey.
	Incoming map[string]*IncomingGossipingRequest `json:"incoming"`
}

type gossipingStorage struct {
	gossipingData
	lock sync.RWMutex
}

func (s *gossipingStorage) reset() {
	s.Outgoing = make(map[string]*OutgoingGossipingRequest)
	s.Incoming = make(map[string]*IncomingGossipingRequest)
}

func incomingRequestKey(userId string, deviceId string, requestId string) string {
	return userId + "|" + deviceId + "|" + requestId
}

func (s *gossipingStorage) getOutgoing(requestId string) *OutgoingGossipingRequest {
	s.lock.RLock()
	defer s.lock.RUnlock()
	request := s.Outgoing[requestId]
	if request == nil {
		return nil
	}
	clone := *request
	return &clone
}

func (s *gossipingStorage) setOutgoingState(requestId string, state OutgoingGossipingRequestState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if request := s.Outgoing[requestId]; request != nil {
		request.State = state
	}
}

func (s *gossipingStorage) allOutgoing() []OutgoingGossipingRequest {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]OutgoingGossipingRequest, 0, len(s.Outgoing))
	for _, requestId := range utils.SortedKeys(s.Outgoing) {
		result = append(result, *s.Outgoing[requestId])
	}
	return result
}

func (s *gossipingStorage) allIncoming() []IncomingGossipingRequest {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]IncomingGossipingRequest, 0, len(s.Incoming))
	for _, key := range utils.SortedKeys(s.Incoming) {
		result = append(result, *s.Incoming[key])
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ReceivedAt.Before(result[j].ReceivedAt) })
	return result
}

func (s *gossipingStorage) setIncomingState(key string, state GossipingRequestState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if request := s.Incoming[key]; request != nil {
		request.State = state
	}
}

type keyBackupData struct {
	RecoveryKey *SavedKeyBackupKeyInfo `json:"recoveryKey"`
	// BackedUp holds the inbound session keys already uploaded to BackedUpVersion.
	BackedUp        utils.Set[string] `json:"backedUp"`
	BackedUpVersion string            `json:"backedUpVersion"`
}

type keyBackupStorage struct {
	keyBackupData
	lock sync.RWMutex
}

func (s *keyBackupStorage) reset() {
	s.RecoveryKey = nil
	s.BackedUp = utils.Set[string]{}
	s.BackedUpVersion = ""
}

type roomsData struct {
	Rooms map[string]*Room `json:"rooms"`
}

type roomsStorage struct {
	roomsData
	lock sync.RWMutex
}

func (s *roomsStorage) reset() {
	s.Rooms = make(map[string]*Room)
}

func (s *roomsStorage) get(roomId string) *Room {
	s.lock.RLock()
	defer s.lock.RUnlock()
	room := s.Rooms[roomId]
	if room == nil {
		return nil
	}
	return room.clone()
}

func (s *roomsStorage) all() []*Room {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]*Room, 0, len(s.Rooms))
	for _, roomId := range utils.SortedKeys(s.Rooms) {
		result = append(result, s.Rooms[roomId].clone())
	}
	return result
}

// update applies f to the room, creating it first if needed.
func (s *roomsStorage) update(roomId string, f func(room *Room)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	room := s.Rooms[roomId]
	if room == nil {
		room = newRoom(roomId)
		s.Rooms[roomId] = room
	}
	f(room)
}
