package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const extCapabilities = "healthflow-capabilities"

// Server accepts SSH connections and serves the sftp subsystem, binding one
// Session to each connection.
type Server struct {
	manager  *Manager
	registry *Registry
	config   *ssh.ServerConfig
	logger   *zap.Logger

	wg sync.WaitGroup
}

type ServerParams struct {
	Manager  *Manager
	Registry *Registry
	HostKey  ssh.Signer
	Logger   *zap.Logger
}

func NewServer(p ServerParams) (*Server, error) {
	if p.Manager == nil || p.Registry == nil {
		return nil, errors.New("manager and registry are required")
	}
	if p.HostKey == nil {
		return nil, errors.New("host key is required")
	}
	logr := p.Logger
	if logr == nil {
		logr = zap.NewNop()
	}
	s := &Server{manager: p.Manager, registry: p.Registry, logger: logr}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			principal, err := s.registry.Password(meta.User(), password)
			return s.permissions(meta, "password", principal, err)
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			principal, err := s.registry.PublicKey(meta.User(), key)
			return s.permissions(meta, "publickey", principal, err)
		},
	}
	s.config.AddHostKey(p.HostKey)
	return s, nil
}

func (s *Server) permissions(meta ssh.ConnMetadata, method string, principal Principal, err error) (*ssh.Permissions, error) {
	if err != nil {
		s.logger.Warn("sftp authentication failed",
			zap.String("username", meta.User()),
			zap.String("method", method),
			zap.String("remote_addr", meta.RemoteAddr().String()),
		)
		return nil, fmt.Errorf("authenticate %s: %w", meta.User(), err)
	}
	return &ssh.Permissions{
		Extensions: map[string]string{
			extCapabilities: strconv.Itoa(int(principal.Capabilities)),
		},
	}, nil
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for open connections and their pending hand-offs to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer func() {
		s.wg.Wait()
		s.manager.Wait()
	}()

	s.logger.Info("sftp server listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept sftp connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.logger.Debug("ssh handshake failed", zap.String("remote_addr", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	caps, err := strconv.Atoi(sshConn.Permissions.Extensions[extCapabilities])
	if err != nil {
		s.logger.Error("missing capabilities on authenticated connection", zap.String("username", sshConn.User()))
		return
	}
	principal := Principal{Username: sshConn.User(), Capabilities: Capability(caps)}

	connID := uuid.NewString()
	session, err := s.manager.Begin(connID, principal)
	if err != nil {
		s.logger.Error("begin sftp session", zap.Error(err))
		return
	}
	defer s.manager.End(connID)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sshConn.Close()
		case <-done:
		}
	}()

	var channels sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.serveChannel(newChannel, session)
		}()
	}
	channels.Wait()
}

func (s *Server) serveChannel(newChannel ssh.NewChannel, session *Session) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		session.logger.Warn("accept ssh channel", zap.Error(err))
		return
	}
	defer channel.Close()

	for req := range requests {
		var sub struct{ Name string }
		ok := req.Type == "subsystem" && ssh.Unmarshal(req.Payload, &sub) == nil && sub.Name == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if !ok {
			continue
		}
		go ssh.DiscardRequests(requests)

		server := sftp.NewRequestServer(channel, Handlers(session))
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			session.logger.Warn("sftp subsystem ended", zap.Error(err))
		}
		return
	}
}

// Handlers adapts a Session to the sftp request server.
func Handlers(session *Session) sftp.Handlers {
	h := &handlers{session: session}
	return sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
}

type handlers struct {
	session *Session
}

func (h *handlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	u, err := h.session.Open(r.Filepath)
	if err != nil {
		return nil, status(err)
	}
	return u, nil
}

// Fileread refuses reads: completed uploads are handed off, not kept.
func (h *handlers) Fileread(*sftp.Request) (io.ReaderAt, error) {
	if err := h.session.principal.Can(CapRead); err != nil {
		return nil, status(err)
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

func (h *handlers) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return status(h.session.principal.Can(CapWrite))
	case "Rename", "PosixRename":
		return status(h.session.Rename(r.Filepath, r.Target))
	case "Mkdir":
		return status(h.session.Mkdir(r.Filepath))
	case "Rmdir":
		return status(h.session.Rmdir(r.Filepath))
	case "Remove":
		return status(h.session.Remove(r.Filepath))
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *handlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		infos, err := h.session.List(r.Filepath)
		if err != nil {
			return nil, status(err)
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		info, err := h.session.Stat(r.Filepath)
		if err != nil {
			return nil, status(err)
		}
		return listerAt{info}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

func (h *handlers) RealPath(p string) (string, error) {
	return clean(p), nil
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if offset+int64(n) >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

// status maps session errors onto sftp status codes.
func status(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermission):
		return sftp.ErrSSHFxPermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return sftp.ErrSSHFxNoSuchFile
	default:
		return err
	}
}
