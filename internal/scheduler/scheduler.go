// Package scheduler runs the daemon's fixed-tick background jobs: the
// dead-letter retry scheduler, housekeeping pruning, and the provider
// health-check ticker. In a multi-replica deployment only the elected
// leader runs these ticks, via k8s.io/client-go leaderelection.
package scheduler

import (
	"context"
	"math"
	"os"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/metal0/mailpilot-sub001/internal/config"
	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/repository"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

const (
	leaseDuration = 15 * time.Second
	renewDeadline = 10 * time.Second
	retryPeriod   = 2 * time.Second

	leaseName = "mailpilot-scheduler-leader"
)

// RetryFunc reopens the dead letter's folder and re-runs the Message
// Processor entrypoint for it, returning the error it failed with (nil on
// success). The Engine supplies this; scheduler stays ignorant of IMAP/LLM
// wiring.
type RetryFunc func(ctx context.Context, entry models.DeadLetterEntry) error

// HealthCheckFunc pings every configured provider, refreshing its health
// record.
type HealthCheckFunc func(ctx context.Context)

// ExhaustedFunc fires the retry_exhausted event once an entry runs out of
// attempts.
type ExhaustedFunc func(ctx context.Context, entry models.DeadLetterEntry)

// Scheduler owns the daemon's three background ticks.
type Scheduler struct {
	cfg   *config.AppConfig
	log   logger.Logger
	repos *repository.Repositories
	k8s   kubernetes.Interface

	retry       RetryFunc
	healthCheck HealthCheckFunc
	onExhausted ExhaustedFunc

	cron *cronv3.Cron
}

func New(cfg *config.AppConfig, log logger.Logger, repos *repository.Repositories, k8s kubernetes.Interface, retry RetryFunc, healthCheck HealthCheckFunc, onExhausted ExhaustedFunc) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		log:         log,
		repos:       repos,
		k8s:         k8s,
		retry:       retry,
		healthCheck: healthCheck,
		onExhausted: onExhausted,
	}
}

// Start begins running the background ticks. If k8s is nil or LOCAL_DEV is
// set, it runs in local (non-elected) mode, matching every single-replica
// deployment and local development.
func (s *Scheduler) Start(podName, namespace string) error {
	if s.k8s == nil || s.cfg.LocalDev {
		s.log.Info("scheduler: starting in local mode")
		s.startCron()
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      leaseName,
			Namespace: namespace,
		},
		Client: s.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   leaseDuration,
			RenewDeadline:   renewDeadline,
			RetryPeriod:     retryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					s.log.Info("scheduler: acquired leadership, starting ticks")
					s.startCron()
				},
				OnStoppedLeading: func() {
					s.log.Info("scheduler: lost leadership, stopping ticks")
					s.Stop()
				},
				OnNewLeader: func(identity string) {
					s.log.Infof("scheduler: new leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			errCh <- err
			return
		}
		le.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		s.log.Warnf("scheduler: leader election failed, falling back to local mode: %v", err)
		s.startCron()
	case <-time.After(5 * time.Second):
	}

	return nil
}

// Stop gracefully stops the cron scheduler, waiting for any job in progress
// to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) startCron() {
	c := cronv3.New(cronv3.WithChain(
		cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
		cronv3.Recover(cronv3.DefaultLogger),
	))

	s.addEvery(c, "dead_letter_retry", s.cfg.DeadLetterTickIntervalDuration(), s.runDeadLetterRetry)
	s.addEvery(c, "housekeeping", s.cfg.HousekeepingIntervalDuration(), s.runHousekeeping)
	s.addEvery(c, "provider_health_check", s.cfg.ProviderHealthCheckIntervalDuration(), s.runHealthCheck)

	c.Start()
	s.cron = c
}

func (s *Scheduler) addEvery(c *cronv3.Cron, name string, interval time.Duration, job func(ctx context.Context)) {
	_, err := c.AddFunc("@every "+interval.String(), func() {
		defer tracing.RecoverAndLogToJaeger(s.log)
		span, ctx := tracing.StartTracerSpan(context.Background(), "Scheduler."+name)
		defer span.Finish()
		tracing.TagComponentCronJob(span)
		job(ctx)
	})
	if err != nil {
		s.log.Fatalf("scheduler: could not register %s job: %v", name, err)
	}
}

// runDeadLetterRetry is the retry-scheduler tick: select
// pending entries whose next_retry_at has elapsed and whose attempts are
// still under the configured max, reprocess each, and update its retry
// bookkeeping based on the outcome.
func (s *Scheduler) runDeadLetterRetry(ctx context.Context) {
	due, err := s.repos.DeadLetter.DueForRetry(ctx, utils.Now(), s.cfg.DeadLetterMaxAttempts)
	if err != nil {
		s.log.Errorf("scheduler: failed to select due dead letters: %v", err)
		return
	}

	for _, entry := range due {
		s.RetryNow(ctx, entry)
	}
}

// RetryNow runs one dead-letter entry through the retry pipeline with full
// bookkeeping: mark retrying, reprocess, then resolve or schedule the next
// attempt. The Engine calls this directly for a manual RetryDeadLetter so
// a manual retry and a scheduled one behave identically.
func (s *Scheduler) RetryNow(ctx context.Context, entry models.DeadLetterEntry) {
	if err := s.repos.DeadLetter.MarkRetrying(ctx, entry.ID); err != nil {
		s.log.Errorf("scheduler: failed to mark dead letter %s retrying: %v", entry.ID, err)
		return
	}

	if err := s.retry(ctx, entry); err != nil {
		s.handleRetryFailure(ctx, entry, err)
		return
	}

	if err := s.repos.DeadLetter.MarkResolved(ctx, entry.ID, utils.Now()); err != nil {
		s.log.Errorf("scheduler: failed to mark dead letter %s resolved: %v", entry.ID, err)
	}
}

func (s *Scheduler) handleRetryFailure(ctx context.Context, entry models.DeadLetterEntry, retryErr error) {
	attempts := entry.Attempts + 1
	if attempts >= s.cfg.DeadLetterMaxAttempts {
		if err := s.repos.DeadLetter.MarkExhausted(ctx, entry.ID, attempts); err != nil {
			s.log.Errorf("scheduler: failed to mark dead letter %s exhausted: %v", entry.ID, err)
		}
		s.log.Warnf("scheduler: dead letter %s exhausted after %d attempts: %v", entry.ID, attempts, retryErr)
		if s.onExhausted != nil {
			s.onExhausted(ctx, entry)
		}
		return
	}

	nextRetryAt := utils.Now().Add(backoffDelay(attempts, s.cfg.DeadLetterInitialDelayDuration(), s.cfg.DeadLetterMaxDelayDuration(), s.cfg.DeadLetterBackoffMultiplier))
	if err := s.repos.DeadLetter.MarkFailedRetry(ctx, entry.ID, nextRetryAt, attempts); err != nil {
		s.log.Errorf("scheduler: failed to record dead letter %s retry failure: %v", entry.ID, err)
	}
}

// backoffDelay computes min(initial · multiplier^(attempts-1), max).
func backoffDelay(attempts int, initial, max time.Duration, multiplier float64) time.Duration {
	scaled := float64(initial) * math.Pow(multiplier, float64(attempts-1))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

// runHousekeeping is the pruning tick: processed-message records
// older than processed_ttl and audit entries older than audit_retention are
// deleted.
func (s *Scheduler) runHousekeeping(ctx context.Context) {
	processedCutoff := utils.Now().Add(-s.cfg.ProcessedMessageTTLDuration())
	if n, err := s.repos.ProcessedMessage.PruneOlderThan(ctx, processedCutoff); err != nil {
		s.log.Errorf("scheduler: failed to prune processed messages: %v", err)
	} else if n > 0 {
		s.log.Infof("scheduler: pruned %d processed-message record(s)", n)
	}

	auditCutoff := utils.Now().Add(-s.cfg.AuditRetentionDuration())
	if n, err := s.repos.Audit.PruneOlderThan(ctx, auditCutoff); err != nil {
		s.log.Errorf("scheduler: failed to prune audit entries: %v", err)
	} else if n > 0 {
		s.log.Infof("scheduler: pruned %d audit entr(y/ies)", n)
	}
}

// runHealthCheck is the health-check tick: stale providers (no
// recent traffic to infer health from) get an explicit probe.
func (s *Scheduler) runHealthCheck(ctx context.Context) {
	if s.healthCheck == nil {
		return
	}
	s.healthCheck(ctx)
}

// PodIdentity resolves the pod/process identity used for leader election,
// falling back to "local" outside Kubernetes.
func PodIdentity() string {
	if pod := os.Getenv("POD_NAME"); pod != "" {
		return pod
	}
	return "local"
}
