package mail

import (
	"context"
	"sync"
	"time"
)

// Sent is one message captured by the Fake.
type Sent struct {
	To      string
	Kind    string
	OTP     string
	Purpose string
	Role    string
}

// Fake is an in-memory Mailer for tests. Set ConnectErr or SendErr to
// force failure paths.
type Fake struct {
	mu         sync.Mutex
	Messages   []Sent
	ConnectErr error
	SendErr    error
}

func (f *Fake) TestConnection(context.Context) error {
	return f.ConnectErr
}

func (f *Fake) SendOTP(_ context.Context, to, otp, purpose string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, Sent{To: to, Kind: "otp", OTP: otp, Purpose: purpose})
	return nil
}

func (f *Fake) SendInvitation(_ context.Context, to, role, otp string, _ time.Time) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, Sent{To: to, Kind: "invitation", OTP: otp, Role: role})
	return nil
}

func (f *Fake) SendPasswordResetConfirmation(_ context.Context, to string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, Sent{To: to, Kind: "reset_confirmation"})
	return nil
}

// Last returns the most recent message, or a zero Sent when none exist.
func (f *Fake) Last() Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Messages) == 0 {
		return Sent{}
	}
	return f.Messages[len(f.Messages)-1]
}
