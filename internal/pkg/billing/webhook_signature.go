package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Deliveries older than this are rejected even with a valid MAC.
const stripeSignatureTolerance = 5 * time.Minute

// VerifyStripeWebhookSignature checks the Stripe-Signature header against the
// raw payload: HMAC-SHA256 over "<timestamp>.<payload>" with the endpoint
// secret, compared against every v1 candidate in the header.
func VerifyStripeWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	return verifyStripeWebhookSignatureAt(payload, signatureHeader, webhookSecret, time.Now())
}

func verifyStripeWebhookSignatureAt(payload []byte, signatureHeader, webhookSecret string, now time.Time) bool {
	header := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if header == "" || secret == "" {
		return false
	}

	var timestamp int64
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return false
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(strings.ToLower(kv[1]))
			if err != nil {
				continue
			}
			candidates = append(candidates, sig)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return false
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		if hmac.Equal(expected, candidate) {
			return true
		}
	}
	return false
}
