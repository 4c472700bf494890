package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	challengeBytes  = 32
	maxAuthAttempts = 3
)

// AuthHandler implements the challenge-response handshake clients must
// complete before issuing RPC calls. The daemon sends a random challenge;
// the client proves knowledge of the shared secret by returning its
// HMAC-SHA256 over the challenge.
type AuthHandler struct {
	secret []byte
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret)}
}

// GenerateChallenge returns a fresh hex-encoded random challenge.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (a *AuthHandler) sign(challenge string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a client signature in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	want := a.sign(challenge)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// HandleAuthResponse evaluates one signature attempt and mutates the client
// record accordingly. A client that exhausts its attempts gets a terminal
// failure; the caller is responsible for dropping the connection.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	fail := func(message string) AuthResult {
		return AuthResult{Event: "auth.failure", Message: message}
	}

	if client.Challenge == "" {
		return fail("No challenge found")
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return fail("Too many failed attempts")
		}
		return fail("Invalid signature")
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: "auth.success", Success: true}
}
