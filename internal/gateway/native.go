package gateway

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// nativeStart is the native protocol's opening frame. Audio follows as raw
// binary PCM16 frames, terminated by a nativeStop.
type nativeStart struct {
	Type          string `json:"type,omitempty"`
	InteractionID string `json:"interactionId"`
	TenantID      string `json:"tenantId,omitempty"`
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels,omitempty"`
	Encoding      string `json:"encoding"`
	Token         string `json:"token,omitempty"`
}

type nativeStop struct {
	Type  string `json:"type,omitempty"`
	Event string `json:"event,omitempty"`
}

var errBadToken = errors.New("gateway: invalid or missing token")

// verifyNativeAuth checks the RS256 JWT from the Authorization header or the
// start frame. With no key configured (carrier-only deployments) it accepts.
func (s *Server) verifyNativeAuth(authHeader string, start *nativeStart) error {
	if s.jwtKey == nil {
		return nil
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		token = ""
	}
	if token == "" {
		token = start.Token
	}
	if token == "" {
		return errBadToken
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return errBadToken
	}
	return nil
}
