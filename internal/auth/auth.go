// Package auth implements the authentication front-end (spec component
// F): a tty password prompt bounded by a per-rule timeout, retried up
// to three times, with the actual credential check delegated to a
// Verifier so this package never needs to link against PAM itself.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/term"
)

var (
	ErrNoTTY             = errors.New("auth: cannot read password without a tty")
	ErrTimeout           = errors.New("auth: timed out getting password")
	ErrAttemptsExhausted = errors.New("auth: authentication failed")
)

// Verifier checks a plaintext password for user under the named PAM
// service, returning nil on success.
type Verifier func(ctx context.Context, service, user, password string) error

// Authenticator prompts for and verifies a password.
type Authenticator struct {
	Service  string
	Verify   Verifier
	Attempts int
	TTYPath  string
}

// New returns an Authenticator that checks passwords via the system's
// unix_chkpwd helper (see UnixChkPwd).
func New(service string) *Authenticator {
	return &Authenticator{Service: service, Verify: UnixChkPwd, Attempts: 3, TTYPath: "/dev/tty"}
}

// Challenge prompts up to a.Attempts times, each individually bounded
// by timeout (0 means unbounded), matching the original's SIGALRM
// round-trip but expressed as a context deadline per attempt.
func (a *Authenticator) Challenge(user string, timeout time.Duration) error {
	ttyPath := a.TTYPath
	if ttyPath == "" {
		ttyPath = "/dev/tty"
	}
	tty, err := os.OpenFile(ttyPath, os.O_RDWR, 0)
	if err != nil {
		return ErrNoTTY
	}
	defer tty.Close()

	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	for i := 0; i < attempts; i++ {
		ctx := context.Background()
		var cancel context.CancelFunc
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		pw, perr := a.prompt(ctx, tty, user)
		if cancel != nil {
			cancel()
		}
		if perr != nil {
			if errors.Is(perr, context.DeadlineExceeded) {
				fmt.Fprintln(os.Stderr, "Timed out getting password")
				return ErrTimeout
			}
			return perr
		}

		if verr := a.Verify(context.Background(), a.Service, user, pw); verr == nil {
			return nil
		}
		fmt.Fprintln(tty, "Sorry, try again.")
	}
	fmt.Fprintln(os.Stderr, "Authentication failed :-(")
	return ErrAttemptsExhausted
}

func (a *Authenticator) prompt(ctx context.Context, tty *os.File, user string) (string, error) {
	fmt.Fprintf(tty, "[please] password for %s: ", user)

	type result struct {
		pw  string
		err error
	}
	fd := int(tty.Fd())
	saved, stateErr := term.GetState(fd)

	ch := make(chan result, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		ch <- result{string(b), err}
	}()

	select {
	case <-ctx.Done():
		if stateErr == nil {
			term.Restore(fd, saved)
		}
		return "", ctx.Err()
	case r := <-ch:
		fmt.Fprintln(tty)
		return r.pw, r.err
	}
}

// UnixChkPwd shells out to the system's unix_chkpwd helper — the
// small setuid-root auxiliary PAM ships for exactly this purpose — so
// the daemon never needs to read /etc/shadow itself or link libpam.
func UnixChkPwd(ctx context.Context, service, user, password string) error {
	path := "/usr/sbin/unix_chkpwd"
	if _, err := os.Stat(path); err != nil {
		path = "/sbin/unix_chkpwd"
	}

	cmd := exec.CommandContext(ctx, path, user)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Fprint(stdin, password)
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("auth: password check failed for %s: %w", user, err)
	}
	return nil
}
