package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"whisperdeck/internal/domain"
)

const (
	// DefaultHost is the realtime recognition endpoint.
	DefaultHost = "asr.cloud.tencent.com"
	// DefaultPath is the realtime websocket API path.
	DefaultPath = "/asr/v2"

	sessionTTL = time.Hour
)

// Request is a fully signed connection request.
type Request struct {
	URL       string
	ExpiresAt time.Time
}

// Builder constructs signed streaming session requests. The canonical query
// string is sorted byte-wise by key; the backend recomputes the signature
// over the same string, so the ordering is a hard invariant.
type Builder struct {
	Host string
	Path string

	// Nonce supplies the random request nonce. Overridable for deterministic
	// request generation in tests.
	Nonce func() int64
}

// NewBuilder returns a Builder for the default endpoint.
func NewBuilder() Builder {
	return Builder{Host: DefaultHost, Path: DefaultPath}
}

// BuildConnectionRequest assembles and signs the websocket URL for one
// streaming session. It fails before any network attempt when a required
// credential field is empty.
func (b Builder) BuildConnectionRequest(
	creds domain.Credentials,
	params domain.SessionParams,
	voiceSessionID string,
	now time.Time,
) (Request, error) {
	if err := validateCredentials(creds); err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(voiceSessionID) == "" {
		return Request{}, domain.ConfigurationErr("voice session id is empty")
	}

	host := b.Host
	if host == "" {
		host = DefaultHost
	}
	path := b.Path
	if path == "" {
		path = DefaultPath
	}
	nonce := b.nonce()

	expiresAt := now.Add(sessionTTL)
	query := canonicalQuery(creds, params, voiceSessionID, now.Unix(), expiresAt.Unix(), nonce)

	plaintext := fmt.Sprintf("%s%s/%s?%s", host, path, creds.AccountID, query)
	signature := signSHA1(creds.AccessSecret, plaintext)

	wsURL := fmt.Sprintf("wss://%s%s/%s?%s&signature=%s",
		host, path, creds.AccountID, query, url.QueryEscape(signature))

	return Request{URL: wsURL, ExpiresAt: expiresAt}, nil
}

// canonicalQuery builds the lexicographically key-sorted query string that
// doubles as the signature plaintext suffix.
func canonicalQuery(
	creds domain.Credentials,
	params domain.SessionParams,
	voiceSessionID string,
	timestamp, expired, nonce int64,
) string {
	values := map[string]string{
		"secretid":            creds.AccessID,
		"timestamp":           strconv.FormatInt(timestamp, 10),
		"expired":             strconv.FormatInt(expired, 10),
		"nonce":               strconv.FormatInt(nonce, 10),
		"engine_model_type":   params.EngineModel,
		"voice_id":            voiceSessionID,
		"voice_format":        strconv.Itoa(params.VoiceFormat),
		"needvad":             boolFlag(params.NeedVAD),
		"filter_dirty":        boolFlag(params.FilterDirty),
		"filter_modal":        boolFlag(params.FilterModal),
		"filter_punc":         boolFlag(params.FilterPunc),
		"convert_num_mode":    strconv.Itoa(params.ConvertNumMode),
		"filter_empty_result": boolFlag(params.FilterEmpty),
		"vad_silence_time":    strconv.Itoa(params.VADSilenceMs),
	}
	if params.HotwordID != "" {
		values["hotword_id"] = params.HotwordID
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values[key])
	}
	return strings.Join(pairs, "&")
}

func signSHA1(secret, plaintext string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(plaintext))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validateCredentials(creds domain.Credentials) error {
	switch {
	case strings.TrimSpace(creds.AccountID) == "":
		return domain.ConfigurationErr("account id is empty")
	case strings.TrimSpace(creds.AccessID) == "":
		return domain.ConfigurationErr("access id is empty")
	case strings.TrimSpace(creds.AccessSecret) == "":
		return domain.ConfigurationErr("access secret is empty")
	}
	return nil
}

func (b Builder) nonce() int64 {
	if b.Nonce != nil {
		return b.Nonce()
	}
	return rand.Int63n(1_000_000_000)
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
