package credential

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"commsrelay/internal/domain"
)

// AccessTokenIssuer mints Twilio client access tokens that let a browser
// join conversations and place or receive calls.
type AccessTokenIssuer struct {
	AccountSid     string
	APIKeySid      string
	APIKeySecret   string
	ChatServiceSid string
	TwimlAppSid    string
	TTL            time.Duration

	Now func() time.Time
}

type chatGrant struct {
	ServiceSid string `json:"service_sid,omitempty"`
}

type voiceIncoming struct {
	Allow bool `json:"allow"`
}

type voiceOutgoing struct {
	ApplicationSid string `json:"application_sid"`
}

type voiceGrant struct {
	Incoming voiceIncoming  `json:"incoming"`
	Outgoing *voiceOutgoing `json:"outgoing,omitempty"`
}

type grants struct {
	Identity string      `json:"identity"`
	Chat     *chatGrant  `json:"chat,omitempty"`
	Voice    *voiceGrant `json:"voice,omitempty"`
}

// AccessClaims is the claim set of a Twilio access token.
type AccessClaims struct {
	Grants grants `json:"grants"`
	jwt.RegisteredClaims
}

// Issue returns a signed token for identity.
func (i *AccessTokenIssuer) Issue(identity string) (string, error) {
	if identity == "" {
		return "", domain.InvalidArgument("identity is required")
	}
	if i.AccountSid == "" || i.APIKeySid == "" || i.APIKeySecret == "" {
		return "", fmt.Errorf("twilio api key is not configured")
	}

	now := time.Now()
	if i.Now != nil {
		now = i.Now()
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	g := grants{Identity: identity}
	if i.ChatServiceSid != "" {
		g.Chat = &chatGrant{ServiceSid: i.ChatServiceSid}
	}
	vg := &voiceGrant{Incoming: voiceIncoming{Allow: true}}
	if i.TwimlAppSid != "" {
		vg.Outgoing = &voiceOutgoing{ApplicationSid: i.TwimlAppSid}
	}
	g.Voice = vg

	claims := &AccessClaims{
		Grants: g,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", i.APIKeySid, now.Unix()),
			Issuer:    i.APIKeySid,
			Subject:   i.AccountSid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = "twilio-fpa;v=1"
	return token.SignedString([]byte(i.APIKeySecret))
}
