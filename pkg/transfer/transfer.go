// Package transfer uploads finished backup artifacts to a remote host over
// SFTP. Password and private-key authentication are supported; the remote
// directory is created on demand.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/securevault/securevault/pkg/config"
	"github.com/securevault/securevault/pkg/plog"
	"github.com/securevault/securevault/pkg/pool"
	"github.com/securevault/securevault/pkg/util"
)

const (
	defaultPort    = 22
	dialTimeout    = 30 * time.Second
	copyBufferSize = 32 * 1024
)

// Uploader transfers local files to the configured SFTP destination. It dials
// a fresh connection per Upload; backup artifacts are produced minutes apart,
// so a persistent session would mostly sit idle and go stale.
type Uploader struct {
	cfg     config.SFTPConfig
	bufPool *pool.FixedBufferPool
}

// New creates an Uploader for the given destination.
func New(cfg config.SFTPConfig) *Uploader {
	return &Uploader{
		cfg:     cfg,
		bufPool: pool.NewFixedBuffer(copyBufferSize),
	}
}

// authMethods builds the SSH authentication chain: the key file when one is
// configured, the password otherwise.
func (u *Uploader) authMethods() ([]ssh.AuthMethod, error) {
	if u.cfg.KeyFile != "" {
		keyPath, err := util.ExpandPath(u.cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file %s: %w", u.cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key file %s: %w", u.cfg.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if u.cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(u.cfg.Password)}, nil
	}
	return nil, fmt.Errorf("sftp config for %s has neither keyFile nor password", u.cfg.Host)
}

// dial establishes the SSH transport and the SFTP session on top of it.
func (u *Uploader) dial(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	auth, err := u.authMethods()
	if err != nil {
		return nil, nil, err
	}

	port := u.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(port))

	sshCfg := &ssh.ClientConfig{
		User: u.cfg.User,
		Auth: auth,
		// TODO: verify against a known_hosts file instead of accepting any key.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("failed to open SFTP session on %s: %w", addr, err)
	}
	return sshClient, sftpClient, nil
}

// Upload copies localPath to <remoteDir>/<basename> on the destination host.
func (u *Uploader) Upload(ctx context.Context, localPath string) (retErr error) {
	sshClient, client, err := u.dial(ctx)
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer client.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", localPath, err)
	}
	defer local.Close()

	remotePath := path.Join(u.cfg.RemoteDir, filepath.Base(localPath))
	if u.cfg.RemoteDir != "" {
		if err := client.MkdirAll(u.cfg.RemoteDir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", u.cfg.RemoteDir, err)
		}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer func() {
		if err := remote.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
		}
	}()

	plog.Info("Uploading artifact", "local", localPath, "remote", remotePath, "host", u.cfg.Host)

	bufPtr := u.bufPool.Get()
	defer u.bufPool.Put(bufPtr)
	buf := *bufPtr

	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := local.Read(buf)
		if n > 0 {
			if _, err := remote.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write to remote file %s: %w", remotePath, err)
			}
			sent += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return fmt.Errorf("failed to read local file %s: %w", localPath, readErr)
		}
	}

	plog.Info("Upload complete", "remote", remotePath, "bytes", sent)
	return nil
}
