package runner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/vivektripaathi/remote-job-executor/internal/config"
	"github.com/vivektripaathi/remote-job-executor/internal/entity"
	"github.com/vivektripaathi/remote-job-executor/internal/logging"
)

// SSH runs commands on the configured remote target over SSH with
// private-key authentication.
type SSH struct {
	cfg    config.SSHConfig
	signer ssh.Signer
	log    *logrus.Entry
}

// NewSSH loads the private key and prepares a runner for the target in
// cfg. No connection is made until a job runs.
func NewSSH(cfg config.SSHConfig) (*SSH, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh host and user are required")
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &SSH{
		cfg:    cfg,
		signer: signer,
		log:    logging.WithComponent("runner"),
	}, nil
}

func (r *SSH) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: r.cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		// The target is a single operator-configured host; trust on
		// first use mirrors the auto-accept policy the deployment uses.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.ConnectTimeout,
	}
}

// dial opens an authenticated connection, retrying transient failures
// with exponential backoff up to the configured count. The backoff wait
// is interruptible by cancellation and by ctx.
func (r *SSH) dial(ctx context.Context, cancelCh <-chan struct{}) (*ssh.Client, error) {
	attempts := r.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	addr := r.cfg.Addr()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := r.dialOnce(ctx, addr)
		if err == nil {
			return client, nil
		}
		lastErr = err
		r.log.WithFields(logrus.Fields{
			"addr":    addr,
			"attempt": attempt,
			"error":   err,
		}).Warn("ssh connect failed")

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-cancelCh:
			timer.Stop()
			return nil, ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return nil, classifyCtx(ctx)
		case <-timer.C:
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("%w: %v", ErrRemoteConnectFailed, lastErr)
}

func (r *SSH) dialOnce(ctx context.Context, addr string) (*ssh.Client, error) {
	d := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, r.clientConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// wrapCommand prefixes the user command so the first stdout line is the
// PID of the remote process. exec replaces the reporting shell, so the
// echoed PID and the command's PID are the same process.
func wrapCommand(command string) string {
	return "echo $$; exec /bin/sh -c " + shellQuote(command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Run implements Runner.
func (r *SSH) Run(ctx context.Context, job *entity.Job, cancelCh <-chan struct{}, sink Sink) (*Result, error) {
	client, err := r.dial(ctx, cancelCh)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrRemoteConnectFailed, err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, &StreamError{Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, &StreamError{Err: err}
	}

	if err := sess.Start(wrapCommand(job.Command)); err != nil {
		return nil, &StreamError{Err: err}
	}

	var (
		pidMu sync.Mutex
		pid   string
	)
	setPID := func(p string) {
		pidMu.Lock()
		pid = p
		pidMu.Unlock()
		sink.Started(p)
	}
	getPID := func() string {
		pidMu.Lock()
		defer pidMu.Unlock()
		return pid
	}

	var g errgroup.Group
	g.Go(func() error {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		first := true
		for sc.Scan() {
			line := sc.Text()
			if first {
				first = false
				if _, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
					setPID(strings.TrimSpace(line))
					continue
				}
				// Unexpected first line; treat it as ordinary output.
			}
			sink.Stdout(line)
		}
		return sc.Err()
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			sink.Stderr(sc.Text())
		}
		return sc.Err()
	})

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sess.Wait()
	}()

	log := r.log.WithField("job_id", job.ID.String())

	finishInterrupted := func(cause error) (*Result, error) {
		unconfirmed := r.terminate(client, getPID(), waitCh)
		sess.Close()
		_ = g.Wait() // flush partial output before returning
		log.WithFields(logrus.Fields{
			"cause":       cause,
			"unconfirmed": unconfirmed,
		}).Info("remote command interrupted")
		return &Result{TerminationUnconfirmed: unconfirmed}, cause
	}

	// Cancellation is checked ahead of the timeout at every checkpoint,
	// including once more when the command finishes, so a concurrent
	// cancel always wins.
	select {
	case <-cancelCh:
		return finishInterrupted(ErrCancelled)
	default:
	}

	select {
	case <-cancelCh:
		return finishInterrupted(ErrCancelled)
	case <-ctx.Done():
		return finishInterrupted(classifyCtx(ctx))
	case werr := <-waitCh:
		select {
		case <-cancelCh:
			// The process already exited; its termination is confirmed.
			sess.Close()
			_ = g.Wait()
			return &Result{}, ErrCancelled
		default:
		}

		scanErr := g.Wait()
		if werr == nil {
			if scanErr != nil {
				return nil, &StreamError{Err: scanErr}
			}
			return &Result{ExitCode: 0}, nil
		}
		if exitErr, ok := werr.(*ssh.ExitError); ok {
			code := exitErr.ExitStatus()
			return &Result{ExitCode: code}, &ExitError{Code: code}
		}
		return nil, &StreamError{Err: werr}
	}
}

// terminate sends kill -9 to the remote process and waits a bounded
// grace period for the session to confirm its death. The return value
// reports whether termination remains unconfirmed.
func (r *SSH) terminate(client *ssh.Client, pid string, waitCh <-chan error) bool {
	unconfirmed := false

	if pid != "" {
		if err := killWithClient(client, pid); err != nil {
			r.log.WithFields(logrus.Fields{"pid": pid, "error": err}).Warn("remote kill failed")
			unconfirmed = true
		}
	}

	grace := r.cfg.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitCh:
		return unconfirmed
	case <-timer.C:
		return true
	}
}

func killWithClient(client *ssh.Client, pid string) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run("kill -9 " + pid)
}

// Kill implements Runner. It opens a short-lived connection and sends
// kill -9 to the given PID, used for out-of-band termination when no
// run loop owns the job locally.
func (r *SSH) Kill(ctx context.Context, pid string) error {
	if _, err := strconv.Atoi(strings.TrimSpace(pid)); err != nil {
		return fmt.Errorf("invalid remote pid %q", pid)
	}

	client, err := r.dialOnce(ctx, r.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteConnectFailed, err)
	}
	defer client.Close()

	return killWithClient(client, strings.TrimSpace(pid))
}

func classifyCtx(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return ErrCancelled
}
