package homeserver

import (
	"context"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"golang.org/x/crypto/bcrypt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
)

var usernameRegexp = regexp.MustCompile(`^[a-z0-9._=\-/+]+$`)

type user struct {
	id           string
	passwordHash []byte
	devices      map[string]*device

	masterKey      *common_models.CrossSigningKey
	selfSigningKey *common_models.CrossSigningKey
	userSigningKey *common_models.CrossSigningKey
}

type device struct {
	id          string
	displayName string
	lastSeen    time.Time
	keys        *common_models.DeviceKeys
	toDevice    []queuedToDevice
	// sentTxns maps client transaction ids to the event id they produced.
	sentTxns map[string]string
}

type queuedToDevice struct {
	position int64
	event    common_models.Event
}

type deviceChange struct {
	position int64
	userId   string
}

type tokenInfo struct {
	userId   string
	deviceId string
}

type authKey int

const authContextKey authKey = 0

type accessTokenClaims struct {
	DeviceId string `json:"device_id"`
	jwt.RegisteredClaims
}

func authFromContext(ctx context.Context) *tokenInfo {
	info, _ := ctx.Value(authContextKey).(*tokenInfo)
	return info
}

func (s *Server) issueToken(userId string, deviceId string) (string, error) {
	tokenId := uuid.NewString()
	claims := accessTokenClaims{
		DeviceId: deviceId,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userId,
			ID:       tokenId,
			Issuer:   s.options.ServerName,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.options.JWTSecret)
	if err != nil {
		return "", err
	}
	s.tokens[tokenId] = &tokenInfo{userId: userId, deviceId: deviceId}
	return signed, nil
}

// authMiddleware validates the bearer JWT and checks it has not been revoked by a logout.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, common_models.ErrCodeMissingToken, "missing access token")
			return
		}
		var claims accessTokenClaims
		_, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, "Bearer "),
			&claims,
			func(token *jwt.Token) (interface{}, error) { return s.options.JWTSecret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(s.options.ServerName),
		)
		if err != nil {
			writeError(w, http.StatusUnauthorized, common_models.ErrCodeUnknownToken, "invalid access token")
			return
		}
		s.lock.Lock()
		info, ok := s.tokens[claims.ID]
		if ok {
			if u := s.users[info.userId]; u != nil && u.devices[info.deviceId] != nil {
				u.devices[info.deviceId].lastSeen = time.Now()
			}
		}
		s.lock.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, common_models.ErrCodeUnknownToken, "access token has been revoked")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey, &tokenInfo{userId: info.userId, deviceId: info.deviceId})
		// the token id is needed by logout
		ctx = context.WithValue(ctx, tokenIdContextKey, claims.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const tokenIdContextKey authKey = 1

func (s *Server) newDeviceId(u *user) (string, error) {
	for {
		id, err := utils.GenerateRandomId(10)
		if err != nil {
			return "", err
		}
		id = strings.ToUpper(id)
		if u.devices[id] == nil {
			return id, nil
		}
	}
}

// addDevice creates (or takes over) a device and issues a token for it. Must be called with lock held.
func (s *Server) addDevice(u *user, deviceId string, displayName string) (*common_models.LoginResponse, error) {
	if deviceId == "" {
		var err error
		deviceId, err = s.newDeviceId(u)
		if err != nil {
			return nil, err
		}
	}
	if u.devices[deviceId] == nil {
		u.devices[deviceId] = &device{id: deviceId, displayName: displayName, sentTxns: make(map[string]string)}
	}
	u.devices[deviceId].lastSeen = time.Now()
	token, err := s.issueToken(u.id, deviceId)
	if err != nil {
		return nil, err
	}
	s.deviceChanges = append(s.deviceChanges, deviceChange{position: s.advance(), userId: u.id})
	return &common_models.LoginResponse{UserId: u.id, AccessToken: token, DeviceId: deviceId}, nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body common_models.RegisterRequest
	if !readJSON(w, r, &body) {
		return
	}
	username := strings.ToLower(body.Username)
	if !usernameRegexp.MatchString(username) || body.Password == "" {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "invalid username or password")
		return
	}
	if body.DeviceId != "" && utils.CheckDeviceId(body.DeviceId) != nil {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "invalid device id")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), s.options.BcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, common_models.ErrCodeUnknown, err.Error())
		return
	}
	userId := "@" + username + ":" + s.options.ServerName

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.users[userId] != nil {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeUserInUse, "user id already taken")
		return
	}
	u := &user{id: userId, passwordHash: hash, devices: make(map[string]*device)}
	s.users[userId] = u
	resp, err := s.addDevice(u, body.DeviceId, body.InitialDeviceDisplayName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, common_models.ErrCodeUnknown, err.Error())
		return
	}
	s.logger.Info().Str("user_id", userId).Str("device_id", resp.DeviceId).Msg("user registered")
	writeJSON(w, http.StatusOK, resp)
}

// checkPassword returns the user if the password matches. Must not be called with lock held: bcrypt is slow.
func (s *Server) checkPassword(identifier *common_models.UserIdentifier, password string) *user {
	if identifier == nil || identifier.Type != common_models.IdentifierTypeUser {
		return nil
	}
	userId := identifier.User
	if !strings.HasPrefix(userId, "@") {
		userId = "@" + strings.ToLower(userId) + ":" + s.options.ServerName
	}
	s.lock.Lock()
	u := s.users[userId]
	s.lock.Unlock()
	if u == nil {
		return nil
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil
	}
	return u
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body common_models.LoginRequest
	if !readJSON(w, r, &body) {
		return
	}
	if body.Type != common_models.LoginTypePassword {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeUnknown, "unsupported login type")
		return
	}
	u := s.checkPassword(body.Identifier, body.Password)
	if u == nil {
		writeError(w, http.StatusForbidden, common_models.ErrCodeForbidden, "invalid username or password")
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	resp, err := s.addDevice(u, body.DeviceId, body.InitialDeviceDisplayName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, common_models.ErrCodeUnknown, err.Error())
		return
	}
	s.logger.Info().Str("user_id", u.id).Str("device_id", resp.DeviceId).Msg("user logged in")
	writeJSON(w, http.StatusOK, resp)
}

// logout revokes the token and deletes the device with its keys and pending messages.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	tokenId, _ := r.Context().Value(tokenIdContextKey).(string)
	s.lock.Lock()
	defer s.lock.Unlock()
	for id, info := range s.tokens {
		if id == tokenId || (info.userId == auth.userId && info.deviceId == auth.deviceId) {
			delete(s.tokens, id)
		}
	}
	if u := s.users[auth.userId]; u != nil {
		delete(u.devices, auth.deviceId)
		s.deviceChanges = append(s.deviceChanges, deviceChange{position: s.advance(), userId: u.id})
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) whoAmI(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"user_id": auth.userId, "device_id": auth.deviceId})
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	u := s.users[auth.userId]
	resp := common_models.DevicesResponse{Devices: []common_models.DeviceInfo{}}
	for _, d := range u.devices {
		resp.Devices = append(resp.Devices, common_models.DeviceInfo{DeviceId: d.id, DisplayName: d.displayName, LastSeenTs: d.lastSeen.UnixMilli()})
	}
	sort.Slice(resp.Devices, func(i, j int) bool { return resp.Devices[i].DeviceId < resp.Devices[j].DeviceId })
	writeJSON(w, http.StatusOK, resp)
}
