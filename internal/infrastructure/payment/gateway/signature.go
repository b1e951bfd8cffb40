package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

// DefaultTolerance bounds how old a signed delivery may be.
const DefaultTolerance = 5 * time.Minute

// SignPayload returns a signature header of the form t=<unix>,v1=<hex>, where
// the MAC is HMAC-SHA256 over "<unix>.<body>".
func SignPayload(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(ts, body, secret))
}

func mac(ts string, body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// VerifySignature authenticates body against header and only then decodes
// it. Every failure before decoding is reported as ErrInvalidSignature; an
// authentic body that is not a usable event is ErrMalformedEvent.
func VerifySignature(body []byte, header, secret string, now time.Time, tolerance time.Duration) (*payment.Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no signing secret configured", payment.ErrInvalidSignature)
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return nil, fmt.Errorf("%w: malformed header", payment.ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", payment.ErrInvalidSignature)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return nil, fmt.Errorf("%w: timestamp outside tolerance", payment.ErrInvalidSignature)
		}
	}

	expected := mac(ts, body, secret)
	matched := false
	for _, s := range sigs {
		if hmac.Equal(s, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: signature mismatch", payment.ErrInvalidSignature)
	}

	var ev payment.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", payment.ErrMalformedEvent)
	}
	return &ev, nil
}
