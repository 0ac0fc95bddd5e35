package auth

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToUnixChkPwd(t *testing.T) {
	a := New("please")
	assert.Equal(t, "please", a.Service)
	assert.Equal(t, 3, a.Attempts)
	assert.NotNil(t, a.Verify)
}

func TestChallengeFailsWithoutATTY(t *testing.T) {
	a := &Authenticator{Service: "please", TTYPath: "/definitely/not/a/tty", Attempts: 1}
	err := a.Challenge("alice", 0)
	assert.ErrorIs(t, err, ErrNoTTY)
}

func TestUnixChkPwdFailsForBogusHelperPath(t *testing.T) {
	// UnixChkPwd hardcodes the two standard helper paths; when neither
	// exists the exec itself fails, which is the behavior under test
	// here rather than any real credential check.
	if _, err := os.Stat("/usr/sbin/unix_chkpwd"); err == nil {
		t.Skip("unix_chkpwd present on this host; skipping negative path")
	}
	if _, err := os.Stat("/sbin/unix_chkpwd"); err == nil {
		t.Skip("unix_chkpwd present on this host; skipping negative path")
	}

	err := UnixChkPwd(context.Background(), "please", "alice", "hunter2")
	assert.Error(t, err)
}

func TestChallengeSkipsCustomVerifierWithoutTTY(t *testing.T) {
	a := &Authenticator{
		Service:  "please",
		TTYPath:  "/definitely/not/a/tty",
		Attempts: 1,
		Verify: func(ctx context.Context, service, user, password string) error {
			return errors.New("should never be reached without a tty")
		},
	}

	err := a.Challenge("alice", 0)
	assert.ErrorIs(t, err, ErrNoTTY)
}

func TestChallengeWithZeroAttemptsFailsWithoutTTY(t *testing.T) {
	a := &Authenticator{Service: "please", TTYPath: "/definitely/not/a/tty"}
	err := a.Challenge("alice", 0)
	assert.ErrorIs(t, err, ErrNoTTY)
}
