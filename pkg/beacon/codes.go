package beacon

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultChainLength is the number of days covered by one secret.
const DefaultChainLength = 2000

var codeInfo = []byte("beacon-code")

// ErrDayOutOfRange is returned for days outside the hash chain
var ErrDayOutOfRange = errors.New("day outside code chain")

// CodeSource supplies the local beacon code valid for the day of now.
type CodeSource interface {
	Current(now time.Time) Code
}

// CodeSourceFunc adapts a function to CodeSource
type CodeSourceFunc func(now time.Time) Code

// Current implements CodeSource
func (f CodeSourceFunc) Current(now time.Time) Code {
	return f(now)
}

// DailyCodes derives one beacon code per UTC day from a registration secret.
//
// Day keys form a reverse hash chain: the key of day i is SHA-256 applied
// (N-i) times to the secret, so publishing the key of day i reveals the keys
// of earlier days only. The beacon code is the first 8 bytes of
// HKDF-SHA256(dayKey, info="beacon-code").
//
// Forward secrecy holds only inside the chain. Past its last day Current
// wraps to the start, repeating codes every chainLength days and deriving
// keys a later day already revealed; Exhausted reports that state so that
// callers can rotate the secret.
type DailyCodes struct {
	secret      []byte
	epochDay    int64
	chainLength int

	mu        sync.Mutex
	cachedDay int64
	cached    Code
	hasCache  bool
}

// NewDailyCodes creates a code source anchored at epoch
func NewDailyCodes(secret []byte, epoch time.Time, chainLength int) (*DailyCodes, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	if chainLength <= 0 {
		chainLength = DefaultChainLength
	}

	s := make([]byte, len(secret))
	copy(s, secret)

	return &DailyCodes{
		secret:      s,
		epochDay:    Day(epoch),
		chainLength: chainLength,
	}, nil
}

// DayKey returns the chain key of day
func (d *DailyCodes) DayKey(day int64) ([]byte, error) {
	index := day - d.epochDay
	if index < 0 || index >= int64(d.chainLength) {
		return nil, fmt.Errorf("%w: day %d", ErrDayOutOfRange, day)
	}

	key := d.secret
	for i := int64(0); i < int64(d.chainLength)-index; i++ {
		h := sha256.Sum256(key)
		key = h[:]
	}
	return key, nil
}

// CodeForDay derives the beacon code of day
func (d *DailyCodes) CodeForDay(day int64) (Code, error) {
	key, err := d.DayKey(day)
	if err != nil {
		return 0, err
	}
	return CodeFromDayKey(key)
}

// Exhausted reports whether the day of now lies past the end of the chain
func (d *DailyCodes) Exhausted(now time.Time) bool {
	return Day(now)-d.epochDay >= int64(d.chainLength)
}

// Current implements CodeSource. Days outside the chain wrap around it and
// reuse earlier codes.
func (d *DailyCodes) Current(now time.Time) Code {
	day := Day(now)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasCache && d.cachedDay == day {
		return d.cached
	}

	n := int64(d.chainLength)
	wrapped := d.epochDay + (((day-d.epochDay)%n)+n)%n
	code, err := d.CodeForDay(wrapped)
	if err != nil {
		// unreachable: wrapped is always inside the chain
		return 0
	}

	d.cachedDay = day
	d.cached = code
	d.hasCache = true
	return code
}

// CodeFromDayKey derives the beacon code published under a day key
func CodeFromDayKey(dayKey []byte) (Code, error) {
	r := hkdf.New(sha256.New, dayKey, nil, codeInfo)
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("derive code: %w", err)
	}
	return Code(int64(binary.BigEndian.Uint64(buf[:]))), nil
}
