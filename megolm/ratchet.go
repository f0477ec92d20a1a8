package megolm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

const (
	ratchetParts      = 4
	ratchetPartLength = 32
	// RatchetLength is the size of the serialized ratchet state.
	RatchetLength = ratchetParts * ratchetPartLength

	messageKeysInfo = "MEGOLM_KEYS"
)

// ratchet is the four-part Megolm hash ratchet. R(i) is re-seeded from R(i-1) every
// 2^(8*(3-i)) steps, so that reaching index n from index m costs at most 4*255 hashes.
type ratchet struct {
	data    [ratchetParts][ratchetPartLength]byte
	counter uint32
}

func newRatchet(counter uint32) (*ratchet, error) {
	random, err := utils.GenerateRandomBytes(RatchetLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	r := &ratchet{counter: counter}
	r.setBytes(random)
	return r, nil
}

func (r *ratchet) bytes() []byte {
	out := make([]byte, 0, RatchetLength)
	for i := 0; i < ratchetParts; i++ {
		out = append(out, r.data[i][:]...)
	}
	return out
}

func (r *ratchet) setBytes(b []byte) {
	for i := 0; i < ratchetParts; i++ {
		copy(r.data[i][:], b[i*ratchetPartLength:(i+1)*ratchetPartLength])
	}
}

// rehashPart sets R(to) = HMAC-SHA256(R(from), to).
func (r *ratchet) rehashPart(from int, to int) {
	mac := hmac.New(sha256.New, r.data[from][:])
	mac.Write([]byte{byte(to)})
	copy(r.data[to][:], mac.Sum(nil))
}

func (r *ratchet) advance() {
	var mask uint32 = 0x00ffffff
	h := 0
	r.counter++
	for h < ratchetParts {
		if r.counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := ratchetParts - 1; i >= h; i-- {
		r.rehashPart(h, i)
	}
}

func (r *ratchet) advanceTo(target uint32) {
	for j := 0; j < ratchetParts; j++ {
		shift := uint((ratchetParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		// & 0xff handles wraparound of the counter
		steps := ((target >> shift) - (r.counter >> shift)) & 0xff
		if steps == 0 {
			// only R(0) can get here with counter > target, which means target wrapped
			if target < r.counter {
				steps = 0x100
			} else {
				continue
			}
		}
		for steps > 1 {
			r.rehashPart(j, j)
			steps--
		}
		for k := ratchetParts - 1; k >= j; k-- {
			r.rehashPart(j, k)
		}
		r.counter = target & mask
	}
}

func (r *ratchet) clone() *ratchet {
	c := *r
	return &c
}

func (r *ratchet) messageKey() (*symmetric_key.DerivedKey, error) {
	return symmetric_key.Derive(r.bytes(), nil, messageKeysInfo)
}

// serialize writes counter (big endian) followed by the ratchet data.
func (r *ratchet) serialize() []byte {
	out := make([]byte, 4, 4+RatchetLength)
	binary.BigEndian.PutUint32(out, r.counter)
	return append(out, r.bytes()...)
}

func deserializeRatchet(b []byte) (*ratchet, error) {
	if len(b) < 4+RatchetLength {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails("ratchet too short"))
	}
	r := &ratchet{counter: binary.BigEndian.Uint32(b)}
	r.setBytes(b[4 : 4+RatchetLength])
	return r, nil
}

type ratchetPickle struct {
	Counter uint32 `json:"counter"`
	Data    string `json:"data"`
}

func (r *ratchet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ratchetPickle{Counter: r.counter, Data: utils.EncodeBase64(r.bytes())})
}

func (r *ratchet) UnmarshalJSON(b []byte) error {
	var p ratchetPickle
	if err := json.Unmarshal(b, &p); err != nil {
		return tracerr.Wrap(err)
	}
	data, err := utils.Base64DecodeString(p.Data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if len(data) != RatchetLength {
		return tracerr.Wrap(ErrorBadPickle.AddDetails("invalid ratchet length"))
	}
	r.counter = p.Counter
	r.setBytes(data)
	return nil
}
