package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ignite/relay/internal/domain"
)

// ErrBadLink is returned for tracking links that fail to decode or verify.
var ErrBadLink = errors.New("bad tracking link")

// Link is the payload carried by a tracking URL.
type Link struct {
	Key    domain.SendKey
	Target string
}

// Signer builds and verifies HMAC-signed tracking URLs of the form
// {base}/track/{kind}/{data}/{sig}, where data is base64url of
// "campaign|user|reference[|target]".
type Signer struct {
	baseURL string
	secret  []byte
}

// NewSigner creates a signer for links served under baseURL.
func NewSigner(baseURL, secret string) *Signer {
	return &Signer{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

func (s *Signer) sign(data string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func (s *Signer) link(kind string, key domain.SendKey, target string) string {
	raw := fmt.Sprintf("%d|%d|%s", key.CampaignID, key.UserID, key.ReferenceID)
	if target != "" {
		raw += "|" + target
	}
	data := base64.RawURLEncoding.EncodeToString([]byte(raw))
	return fmt.Sprintf("%s/track/%s/%s/%s", s.baseURL, kind, data, s.sign(data))
}

// OpenURL returns the open pixel URL for a send.
func (s *Signer) OpenURL(key domain.SendKey) string { return s.link("open", key, "") }

// ClickURL returns a redirect URL that records a click before sending the
// reader to target.
func (s *Signer) ClickURL(key domain.SendKey, target string) string {
	return s.link("click", key, target)
}

// UnsubscribeURL returns the one-click unsubscribe URL for a send.
func (s *Signer) UnsubscribeURL(key domain.SendKey) string { return s.link("unsubscribe", key, "") }

// Verify checks sig and decodes data.
func (s *Signer) Verify(data, sig string) (Link, error) {
	if !hmac.Equal([]byte(s.sign(data)), []byte(sig)) {
		return Link{}, ErrBadLink
	}
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return Link{}, ErrBadLink
	}
	parts := strings.SplitN(string(decoded), "|", 4)
	if len(parts) < 3 {
		return Link{}, ErrBadLink
	}
	campaignID, err1 := strconv.ParseInt(parts[0], 10, 64)
	userID, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Link{}, ErrBadLink
	}
	l := Link{Key: domain.SendKey{CampaignID: campaignID, UserID: userID, ReferenceID: parts[2]}}
	if len(parts) == 4 {
		u, err := url.Parse(parts[3])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return Link{}, ErrBadLink
		}
		l.Target = parts[3]
	}
	return l, nil
}
