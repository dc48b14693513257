package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// signer produces the EcoFlow open API request signature.
type signer struct {
	accessKey string
	secretKey string
	nonce     func() string
	now       func() time.Time
}

// canonical joins the sorted params with accessKey, nonce and timestamp.
func canonical(params map[string]string, accessKey, nonce, timestamp string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	parts = append(parts,
		"accessKey="+accessKey,
		"nonce="+nonce,
		"timestamp="+timestamp,
	)

	return strings.Join(parts, "&")
}

func hmacSHA256(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// sign attaches the auth headers for params to req.
func (s signer) sign(req *http.Request, params map[string]string) {
	nonce := s.nonce()
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	req.Header.Set("accessKey", s.accessKey)
	req.Header.Set("nonce", nonce)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("sign", hmacSHA256(canonical(params, s.accessKey, nonce, timestamp), s.secretKey))
}
