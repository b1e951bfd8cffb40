package id

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUIDGenerator issues random (v4) UUIDs for order ids.
type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator { return UUIDGenerator{} }

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Crockford-style alphabet without padding; no I, L, O or U to keep numbers readable over the phone.
var numberEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

const suffixBytes = 5 // 8 base32 characters

// OrderNumbers produces human-readable order numbers like ORD-20260115-7K3M9QXA.
type OrderNumbers struct {
	prefix string
	now    func() time.Time
}

func NewOrderNumbers(prefix string, now func() time.Time) *OrderNumbers {
	if prefix == "" {
		prefix = "ORD"
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &OrderNumbers{prefix: strings.ToUpper(prefix), now: now}
}

func (g *OrderNumbers) NextNumber() string {
	var b [suffixBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to a uuid slice.
		copy(b[:], uuid.New().NodeID())
	}
	return g.prefix + "-" + g.now().Format("20060102") + "-" + numberEncoding.EncodeToString(b[:])
}
