package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// defaultRemoteTimeout bounds the SSH dial when the caller does not supply
// one.
const defaultRemoteTimeout = 10 * time.Second

// RemoteConfig describes the SSH target a Remote executor runs commands on.
// At least one of Password or KeyPath must be set when Host is.
type RemoteConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// KeyPath is the path to a PEM private key file. Takes precedence over
	// Password when both are set; password auth remains as a fallback.
	KeyPath string
	// ConnectTimeout bounds the TCP+handshake phase of the dial.
	// Zero means defaultRemoteTimeout.
	ConnectTimeout time.Duration
}

// Remote runs commands on a configured SSH target. The underlying client
// connection is established lazily on the first command and reused across
// commands; each command gets its own session. Connection setup failures
// produce a failure result with diagnostic stderr — they never crash the
// agent.
type Remote struct {
	cfg RemoteConfig

	// mu guards client. A dead client is discarded and redialed on the
	// next command.
	mu     sync.Mutex
	client *ssh.Client
}

// NewRemote creates a Remote executor. An empty Host yields an executor that
// reports unavailable, which keeps target selection uniform for agents with
// no remote configured.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultRemoteTimeout
	}
	return &Remote{cfg: cfg}
}

// Kind implements Executor.
func (r *Remote) Kind() string { return "remote" }

// Available implements Executor. Availability means a target is configured,
// not that it is reachable — reachability surfaces as a failed result.
func (r *Remote) Available() bool {
	return r.cfg.Host != "" && r.cfg.User != "" && (r.cfg.Password != "" || r.cfg.KeyPath != "")
}

// Target returns the human-readable descriptor of the remote, "user@host".
func (r *Remote) Target() string {
	return r.cfg.User + "@" + r.cfg.Host
}

// Run executes command on the remote host over a fresh SSH session, streaming
// stdout and stderr line by line through onProgress. Cancellation closes the
// session, which tears down the remote process tree on any sshd that honors
// channel close.
func (r *Remote) Run(ctx context.Context, command string, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()

	session, err := r.newSession()
	if err != nil {
		return r.setupFailure(err, time.Since(start)), err
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return r.setupFailure(err, time.Since(start)), err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return r.setupFailure(err, time.Since(start)), err
	}

	if err := session.Start(command); err != nil {
		return r.setupFailure(err, time.Since(start)), err
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			stdoutBuf.WriteString(line)
			if onProgress != nil {
				onProgress(Progress{StdoutChunk: line})
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			stderrBuf.WriteString(line)
			if onProgress != nil {
				onProgress(Progress{StderrChunk: line})
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Best effort: not all sshd implementations honor signals,
			// closing the session reliably kills the channel.
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-done:
		}
	}()

	wg.Wait()
	waitErr := session.Wait()
	close(done)
	duration := time.Since(start)

	res := &Result{
		ExitCode:      0,
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionType: "remote",
		Target:        r.Target(),
		Cancelled:     ctx.Err() != nil,
		Duration:      duration,
	}

	if waitErr != nil {
		res.ExitCode = 1
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		}
		return res, waitErr
	}
	return res, nil
}

// newSession returns a session on the shared client, dialing it first when
// needed. A client that can no longer open sessions is discarded and redialed
// once before giving up.
func (r *Remote) newSession() (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		session, err := r.client.NewSession()
		if err == nil {
			return session, nil
		}
		r.client.Close()
		r.client = nil
	}

	client, err := r.dial()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session failed: %w", err)
	}
	r.client = client
	return session, nil
}

// dial establishes the SSH client connection to the configured target.
func (r *Remote) dial() (*ssh.Client, error) {
	auth, err := r.authMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: r.cfg.User,
		Auth: auth,
		// The controlled agent fleet does not distribute known_hosts;
		// the remote target is operator-configured.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(r.cfg.Host, fmt.Sprintf("%d", r.cfg.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s failed: %w", addr, err)
	}
	return client, nil
}

// authMethods assembles the configured auth methods, key first.
func (r *Remote) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh key read failed: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ssh key parse failed: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		methods = append(methods, ssh.Password(r.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: no auth method configured")
	}
	return methods, nil
}

// setupFailure builds the result for a command whose SSH setup never got as
// far as running anything.
func (r *Remote) setupFailure(err error, duration time.Duration) *Result {
	return &Result{
		ExitCode:      -1,
		Stderr:        "remote execution setup failed: " + err.Error(),
		ExecutionType: "remote",
		Target:        r.Target(),
		Duration:      duration,
	}
}

// Close tears down the shared client connection, if any.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
