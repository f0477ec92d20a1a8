package sdk

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"net/http"
	"sync"
	"time"
)

const maxSyncRetryInterval = 30 * time.Second

type syncLoop struct {
	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	// syncLock serializes sync iterations, from the loop or from SyncOnce.
	syncLock sync.Mutex
}

// StartSync starts the background sync loop. Failed iterations are retried with exponential backoff.
// It does nothing if the loop is already running.
func (session *Session) StartSync() error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	loop := &session.syncLoop
	loop.lock.Lock()
	defer loop.lock.Unlock()
	if loop.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop.cancel = cancel
	loop.done = make(chan struct{})
	go session.runSyncLoop(ctx, loop.done)
	session.logger.Debug().Msg("Sync loop started")
	return nil
}

// StopSync stops the background sync loop and waits for the current iteration to end.
func (session *Session) StopSync() {
	loop := &session.syncLoop
	loop.lock.Lock()
	defer loop.lock.Unlock()
	if loop.cancel == nil {
		return
	}
	loop.cancel()
	<-loop.done
	loop.cancel = nil
	loop.done = nil
	session.logger.Debug().Msg("Sync loop stopped")
}

func (session *Session) runSyncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := session.logger.With().Str("component", "sync").Logger()
	for ctx.Err() == nil {
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = maxSyncRetryInterval
		b.MaxElapsedTime = 0
		err := backoff.RetryNotify(func() error {
			err := session.syncOnce(ctx)
			if errors.Is(err, utils.APIError{Status: http.StatusUnauthorized}) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("Sync failed")
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Sync loop stopped on permanent error")
			return
		}
	}
}

// SyncOnce runs one sync iteration and processes its result.
func (session *Session) SyncOnce() error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(session.syncOnce(context.Background()))
}

func (session *Session) syncOnce(ctx context.Context) error {
	session.syncLoop.syncLock.Lock()
	defer session.syncLoop.syncLock.Unlock()

	since := session.storage.currentDevice.get().SyncToken
	resp, err := session.apiClient.sync(ctx, &syncRequest{
		Since:   since,
		Timeout: utils.Ternary(since == "", 0, session.options.SyncTimeout),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return tracerr.Wrap(err)
	}
	session.processSync(resp)
	session.storage.currentDevice.setSyncToken(resp.NextBatch)
	return tracerr.Wrap(session.saveCurrentDevice())
}

func (session *Session) processSync(resp *common_models.SyncResponse) {
	if len(resp.DeviceLists.Changed) > 0 {
		session.storage.devices.markOutdated(resp.DeviceLists.Changed)
	}
	if len(resp.DeviceLists.Left) > 0 {
		session.storage.devices.untrack(resp.DeviceLists.Left)
	}

	for _, roomId := range utils.SortedKeys(resp.Rooms.Invite) {
		session.processRoomSync(roomId, common_models.MembershipInvite, resp.Rooms.Invite[roomId].InviteState.Events, nil)
	}
	for _, roomId := range utils.SortedKeys(resp.Rooms.Join) {
		room := resp.Rooms.Join[roomId]
		session.processRoomSync(roomId, common_models.MembershipJoin, room.State.Events, room.Timeline.Events)
	}
	for _, roomId := range utils.SortedKeys(resp.Rooms.Leave) {
		room := resp.Rooms.Leave[roomId]
		session.processRoomSync(roomId, common_models.MembershipLeave, room.State.Events, room.Timeline.Events)
	}
	if len(resp.Rooms.Invite)+len(resp.Rooms.Join)+len(resp.Rooms.Leave) > 0 {
		if err := session.saveRooms(); err != nil {
			session.logger.Error().Err(err).Msg("Could not save rooms")
		}
	}

	for i := range resp.ToDevice.Events {
		session.processToDevice(&resp.ToDevice.Events[i])
	}

	if outdated := session.outdatedUsers(); len(outdated) > 0 {
		if _, err := session.DownloadKeys(outdated, false); err != nil {
			session.logger.Warn().Err(err).Msg("Could not refresh outdated device lists")
		}
	}
}

// processRoomSync applies the state then the timeline of one room of a sync answer. membership is
// our own membership, given by the section of the answer the room is in.
func (session *Session) processRoomSync(roomId string, membership string, state []common_models.Event, timeline []common_models.Event) {
	myUserId := session.MyUserId()
	var changes []membershipChange
	session.storage.rooms.update(roomId, func(room *Room) {
		for i := range state {
			state[i].RoomId = roomId
			if change := room.applyState(&state[i], myUserId); change != nil {
				changes = append(changes, *change)
			}
		}
		for i := range timeline {
			timeline[i].RoomId = roomId
			if timeline[i].IsState() {
				if change := room.applyState(&timeline[i], myUserId); change != nil {
					changes = append(changes, *change)
				}
			}
			room.addToTimeline(timeline[i], myUserId)
		}
		if membership != common_models.MembershipLeave || room.Membership != common_models.MembershipBan {
			room.Membership = membership
		}
	})
	if membership == common_models.MembershipLeave {
		if err := session.discardOutbound(roomId); err != nil {
			session.logger.Warn().Err(err).Str("room_id", roomId).Msg("Could not discard outbound session")
		}
	}
	session.onMembershipChanges(roomId, changes)
}

// processToDevice dispatches one to-device event.
func (session *Session) processToDevice(event *common_models.Event) {
	switch event.Type {
	case common_models.EventTypeRoomEncrypted:
		decrypted, err := session.decryptToDevice(event)
		if err != nil {
			session.logger.Warn().Err(err).Str("sender", event.Sender).Msg("Could not decrypt to-device event")
			return
		}
		switch decrypted.Payload.Type {
		case common_models.EventTypeRoomKey:
			session.onRoomKey(decrypted)
		case common_models.EventTypeForwardedRoomKey:
			session.onForwardedRoomKey(decrypted)
		case common_models.EventTypeSecretSend:
			session.onSecretSend(decrypted)
		default:
			session.logger.Debug().Str("type", decrypted.Payload.Type).Msg("Ignoring encrypted to-device event")
		}
	case common_models.EventTypeRoomKeyRequest:
		session.onRoomKeyRequest(event)
	case common_models.EventTypeSecretRequest:
		session.onSecretRequest(event)
	case common_models.EventTypeVerificationRequest,
		common_models.EventTypeVerificationReady,
		common_models.EventTypeVerificationStart,
		common_models.EventTypeVerificationAccept,
		common_models.EventTypeVerificationKey,
		common_models.EventTypeVerificationMac,
		common_models.EventTypeVerificationCancel,
		common_models.EventTypeVerificationDone:
		session.verification.onToDeviceEvent(event)
	default:
		session.logger.Debug().Str("type", event.Type).Msg("Ignoring to-device event")
	}
}

func (session *Session) outdatedUsers() []string {
	s := &session.storage.devices
	s.lock.RLock()
	defer s.lock.RUnlock()
	return utils.SortedKeys(s.Outdated)
}
