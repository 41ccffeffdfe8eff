package rtc

import (
	"context"
	"math/rand"
	"time"
)

// Issuer is the provider-agnostic contract for RTC transport credentials.
//
// Rules:
// - No RTC SDK calls outside rtc adapters.
// - One credential per participant per call; parties never share a token.
// - Credentials are scoped to a channel and a numeric client id.
type Issuer interface {
	Name() string
	IssueToken(ctx context.Context, req IssueRequest) (Credential, error)
}

type Role string

const (
	// RolePublisher participants send and receive media. Both sides of a
	// consultation are publishers.
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

type IssueRequest struct {
	// ChannelName is the room identifier shared by both call participants.
	ChannelName string

	// UID is the numeric client id the token is bound to. Must be non-zero
	// and unique within the channel.
	UID uint32

	Role Role

	// ExpireAt bounds the credential lifetime; sized as the caller-selected
	// duration plus a slack margin.
	ExpireAt time.Time
}

type Credential struct {
	Token     string    `json:"token"`
	UID       uint32    `json:"uid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewUIDPair returns two distinct non-zero client ids for the two parties
// of a call.
func NewUIDPair() (uint32, uint32) {
	a := nonZeroUID()
	b := nonZeroUID()
	for b == a {
		b = nonZeroUID()
	}
	return a, b
}

func nonZeroUID() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}
