// Package ssh is a simple wrapper for golang.org/x/crypto/ssh used by the
// remote runner.
package ssh

import (
	"context"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

var defaultTimeout = 8 * time.Second

// Config is a pair of user and host
type Config struct {
	User string
	Host string
}

func withDefaultPort(host string) string {
	_, _, err := net.SplitHostPort(host)
	if err == nil {
		return host
	}
	const defaultPort = "22"
	return net.JoinHostPort(host, defaultPort)
}

func withDefaultUser(name string) string {
	if len(name) == 0 {
		if u, err := user.Current(); err == nil {
			return u.Username
		}
	}
	return name
}

func completeConfig(config Config) Config {
	return Config{
		User: withDefaultUser(config.User),
		Host: withDefaultPort(config.Host),
	}
}

func newSSHClient(config Config) (*ssh.Client, error) {
	config = completeConfig(config)
	key, err := defaultKeyFile()
	if err != nil {
		return nil, errors.Wrap(err, "load key")
	}
	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(key),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaultTimeout,
	}
	client, err := ssh.Dial("tcp", config.Host, clientConfig)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Client is a wrapper for ssh.Client
type Client struct {
	config Config
	client *ssh.Client
}

// New creates a new Client
func New(cfg Config) (*Client, error) {
	client, err := newSSHClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{cfg, client}, err
}

func (c *Client) String() string {
	return c.config.User + "@" + c.config.Host
}

// Watch runs cmd remotely, handing the session's stdout and stderr to the
// watcher functions, until the command exits or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, cmd string, stdoutWatcher, stderrWatcher func(io.Reader)) error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return err
	}
	if err := session.RequestPty("xterm", 80, 40, nil); err != nil {
		return err
	}
	ioDone := make(chan struct{})
	go func() {
		stdoutWatcher(stdout)
		close(ioDone)
	}()
	go stderrWatcher(stderr)
	if err := session.Start(cmd); err != nil {
		return err
	}
	done := make(chan error)
	go func() {
		<-ioDone // before session.Wait()
		done <- session.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}

func defaultKeyFile() (ssh.Signer, error) {
	usr, _ := user.Current()
	file := path.Join(usr.HomeDir, ".ssh", "id_rsa")
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(buf)
}

// Close closes the client
func (c *Client) Close() error {
	return c.client.Close()
}
