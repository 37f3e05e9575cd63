// Package account implements the Account Supervisor: one IMAP
// connection lifecycle per account, with indefinite reconnect-with-backoff
// and one Folder Watcher per watched folder.
package account

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	mperrors "github.com/metal0/mailpilot-sub001/internal/errors"
	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/folderwatcher"
	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

const (
	backoffInitial   = time.Second
	backoffMultiplier = 2
	backoffCap       = 60 * time.Second
	dialTimeout      = 30 * time.Second
)

// OnTrigger is invoked by a Folder Watcher whenever a folder should be
// processed; the caller (the engine) wires this to the Work Dispatcher.
type OnTrigger func(account, folder string)

// OnConnectionEvent fires connection_lost / connection_restored webhook
// notifications.
type OnConnectionEvent func(account string, restored bool)

type session struct {
	mu           sync.Mutex
	account      *models.Account
	client       *client.Client
	supportsIdle bool
	state        enum.ConnectionState
	ctx          context.Context
	cancel       context.CancelFunc
	everConnected bool
}

// Supervisor owns every account's IMAP session and folder watchers.
type Supervisor struct {
	log      logger.Logger
	watchers *folderwatcher.Manager
	onTrigger OnTrigger
	onConnEvent OnConnectionEvent

	pollInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSupervisor(log logger.Logger, watchers *folderwatcher.Manager, pollInterval time.Duration, onTrigger OnTrigger, onConnEvent OnConnectionEvent) *Supervisor {
	return &Supervisor{
		log:          log,
		watchers:     watchers,
		pollInterval: pollInterval,
		onTrigger:    onTrigger,
		onConnEvent:  onConnEvent,
		sessions:     make(map[string]*session),
	}
}

// Start connects the account with indefinite retry+backoff and arms its
// folder watchers.
func (s *Supervisor) Start(ctx context.Context, acct *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Supervisor.Start")
	defer span.Finish()
	ctx = tracing.WithAccountID(ctx, acct.Name)
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagComponentIMAP(span)

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{account: acct, ctx: sessCtx, cancel: cancel, state: enum.ConnectionStateConnecting}

	s.mu.Lock()
	if old, exists := s.sessions[acct.Name]; exists {
		old.cancel()
	}
	s.sessions[acct.Name] = sess
	s.mu.Unlock()

	go s.connectLoop(sessCtx, sess)
	return nil
}

func (s *Supervisor) connectLoop(ctx context.Context, sess *session) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		sess.mu.Lock()
		paused := sess.state == enum.ConnectionStatePaused
		sess.mu.Unlock()
		if paused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		c, supportsIdle, err := connect(ctx, sess.account)
		if err != nil {
			if mperrors.Is(err, mperrors.KindCertificateError) {
				s.log.Errorf("account %s: certificate error, not retrying: %v", sess.account.Name, err)
				sess.mu.Lock()
				sess.state = enum.ConnectionStateError
				sess.mu.Unlock()
				return
			}

			s.log.Warnf("account %s: connect failed, retrying in %v: %v", sess.account.Name, backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = addJitter(backoff * backoffMultiplier)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		backoff = backoffInitial

		sess.mu.Lock()
		sess.client = c
		sess.supportsIdle = supportsIdle
		sess.state = enum.ConnectionStateConnected
		// Any connect after the first one is a recovery from a lost state.
		restored := sess.everConnected
		sess.everConnected = true
		sess.mu.Unlock()

		if restored && s.onConnEvent != nil {
			s.onConnEvent(sess.account.Name, true)
		}

		s.armWatchers(ctx, sess)

		// Block until the connection drops (NOOP keepalive) or the session
		// is cancelled, then loop to reconnect.
		s.waitForDisconnect(ctx, sess, c)

		if ctx.Err() != nil {
			return
		}
		if s.onConnEvent != nil {
			s.onConnEvent(sess.account.Name, false)
		}
	}
}

func (s *Supervisor) armWatchers(ctx context.Context, sess *session) {
	folders := sess.account.WatchFolders
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}
	for _, f := range folders {
		folder := f
		s.watchers.Start(ctx, sess.account.Name, folder, sess.client, s.pollInterval, sess.supportsIdle, func(folder string) {
			s.onTrigger(sess.account.Name, folder)
		})
	}
}

func (s *Supervisor) waitForDisconnect(ctx context.Context, sess *session, c *client.Client) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Noop(); err != nil {
				s.log.Warnf("account %s: connection lost: %v", sess.account.Name, err)
				return
			}
		}
	}
}

// Pause marks the account paused; its watchers go idle.
func (s *Supervisor) Pause(account string) error {
	sess, err := s.lookup(account)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.state = enum.ConnectionStatePaused
	sess.mu.Unlock()
	s.watchers.StopAccount(account)
	return nil
}

// Resume clears paused and re-arms watchers. A session that
// was paused while connected keeps its live client, so the watchers restart
// immediately; one paused mid-reconnect just lets the connect loop proceed.
func (s *Supervisor) Resume(ctx context.Context, account string) error {
	sess, err := s.lookup(account)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	connected := sess.client != nil
	if connected {
		sess.state = enum.ConnectionStateConnected
	} else {
		sess.state = enum.ConnectionStateConnecting
	}
	sessCtx := sess.ctx
	sess.mu.Unlock()

	if connected {
		s.armWatchers(sessCtx, sess)
	}
	return nil
}

// Reconnect stops all watchers, disconnects, and restarts the account.
func (s *Supervisor) Reconnect(ctx context.Context, account string) error {
	sess, err := s.lookup(account)
	if err != nil {
		return err
	}
	acct := sess.account
	s.watchers.StopAccount(account)
	sess.cancel()
	return s.Start(ctx, acct)
}

// Stop stops watchers, logs out, and removes session state.
func (s *Supervisor) Stop(account string) error {
	sess, err := s.lookup(account)
	if err != nil {
		return err
	}
	s.watchers.StopAccount(account)
	sess.cancel()
	sess.mu.Lock()
	c := sess.client
	sess.mu.Unlock()
	if c != nil {
		_ = c.Logout()
	}
	s.mu.Lock()
	delete(s.sessions, account)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) lookup(account string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[account]
	if !ok {
		return nil, mperrors.ErrAccountNotFound
	}
	return sess, nil
}

// Client returns the live IMAP client for account, for use by the Message
// Processor and Action Executor under the mailbox lock they already hold.
func (s *Supervisor) Client(account string) (*client.Client, error) {
	sess, err := s.lookup(account)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.client == nil {
		return nil, mperrors.New(mperrors.KindTransientNetwork, "account", fmt.Errorf("account %s not connected", account))
	}
	return sess.client, nil
}

func connect(ctx context.Context, acct *models.Account) (*client.Client, bool, error) {
	addr := fmt.Sprintf("%s:%d", acct.Host, acct.Port)
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	var c *client.Client
	var err error

	tlsConfig := &tls.Config{ServerName: acct.Host}
	if trusted := acct.TrustedFingerprints; len(trusted) > 0 {
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = fingerprintVerifier([]string(trusted))
	}

	switch acct.TLSMode {
	case enum.TLSModeImplicit:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}

	if err != nil {
		if isCertificateError(err) {
			return nil, false, mperrors.Wrap(mperrors.KindCertificateError, "account",
				"certificate verification failed; trust its SHA-256 fingerprint to proceed", err)
		}
		return nil, false, mperrors.Wrap(mperrors.KindTransientNetwork, "account", "failed to dial "+addr, err)
	}

	if acct.TLSMode == enum.TLSModeStartTLS {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				_ = c.Logout()
				if isCertificateError(err) {
					return nil, false, mperrors.Wrap(mperrors.KindCertificateError, "account",
						"certificate verification failed; trust its SHA-256 fingerprint to proceed", err)
				}
				return nil, false, mperrors.Wrap(mperrors.KindTransientNetwork, "account", "STARTTLS upgrade failed", err)
			}
		} else {
			_ = c.Logout()
			return nil, false, mperrors.Wrap(mperrors.KindTransientNetwork, "account",
				"server does not support STARTTLS", fmt.Errorf("STARTTLS required but unsupported"))
		}
	}

	caps, err := c.Capability()
	if err != nil {
		_ = c.Logout()
		return nil, false, mperrors.Wrap(mperrors.KindTransientNetwork, "account", "failed to get capabilities", err)
	}
	supportsIdle := caps["IDLE"]

	c.Timeout = dialTimeout
	if err := c.Login(acct.Username, acct.Secret); err != nil {
		_ = c.Logout()
		if isAuthError(err) {
			return nil, false, mperrors.Wrap(mperrors.KindAuthError, "account", "login failed", err)
		}
		return nil, false, mperrors.Wrap(mperrors.KindTransientNetwork, "account", "login failed", err)
	}
	c.Timeout = 0

	return c, supportsIdle, nil
}

func fingerprintVerifier(trusted []string) func([][]byte, [][]*x509.Certificate) error {
	allowed := make(map[string]bool, len(trusted))
	for _, fp := range trusted {
		allowed[strings.ToLower(strings.ReplaceAll(fp, ":", ""))] = true
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			sum := sha256.Sum256(raw)
			hex := fmt.Sprintf("%x", sum)
			if allowed[hex] {
				return nil
			}
		}
		return fmt.Errorf("no certificate matched a trusted fingerprint")
	}
}

func isCertificateError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	return strings.Contains(err.Error(), "x509") || strings.Contains(err.Error(), "certificate")
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth") || strings.Contains(msg, "login") || strings.Contains(msg, "invalid credentials")
}

func addJitter(d time.Duration) time.Duration {
	jitterFactor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitterFactor)
}
