// Package sftpd is the embedded SSH/SFTP daemon exposing each server's
// sandbox as its SFTP root (spec.md §4.9, C9). Authentication is
// password-only, keyed by a composite username "{user}_{serverId}";
// credential verification is delegated to the remote helper API.
//
// Grounded on the teacher's server.go accept-loop shape (net.Listener.
// Accept() in a goroutine-per-connection loop), reused directly for the
// SSH listener, and peercred.go's "identity must come from a
// protocol-enforced source, not a self-reported field" principle,
// generalized from SO_PEERCRED to the SSH handshake's authenticated
// username. Per-connection SFTP handle tables (file/dir) are the ones
// github.com/pkg/sftp's RequestServer already maintains internally —
// scoping one RequestServer per SSH channel gives the "per client,
// released on disconnect" lifecycle spec.md §4.9 asks for without a
// hand-rolled handle map.
package sftpd

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"hightide/internal/registry"
	"hightide/internal/remoteapi"
	"hightide/internal/sandbox"
)

// Server is the SFTP daemon bound to a configured port on 0.0.0.0.
type Server struct {
	addr     string
	registry *registry.Registry
	remote   *remoteapi.Client
	logger   *log.Logger
	sshCfg   *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server listening on addr (typically "0.0.0.0:{port}"),
// using hostKeyPath as its persistent identity (lazily generated if
// missing, spec.md §4.9).
func New(addr, hostKeyPath string, reg *registry.Registry, remote *remoteapi.Client, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[sftpd] ", log.LstdFlags|log.Lmsgprefix)
	}

	signer, err := loadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sftpd: %w", err)
	}

	s := &Server{addr: addr, registry: reg, remote: remote, logger: logger}

	s.sshCfg = &ssh.ServerConfig{
		PasswordCallback: s.authenticate,
	}
	s.sshCfg.AddHostKey(signer)

	return s, nil
}

// authenticate parses the composite username, resolves the target
// Server Instance by exact id or unique prefix, and delegates password
// verification to the remote helper API (spec.md §4.9).
func (s *Server) authenticate(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	user, serverID, ok := splitUsername(conn.User())
	if !ok {
		return nil, fmt.Errorf("malformed username %q", conn.User())
	}

	inst, found := s.registry.Get(serverID)
	if !found {
		inst, found = s.registry.FindByUniquePrefix(serverID)
	}
	if !found {
		return nil, fmt.Errorf("unknown or ambiguous server %q", serverID)
	}

	if !s.remote.VerifySFTP(user, string(password), inst.ID) {
		return nil, fmt.Errorf("authentication rejected for %q", conn.User())
	}

	return &ssh.Permissions{
		Extensions: map[string]string{"serverId": inst.ID},
	}, nil
}

// splitUsername splits "{user}_{serverId}" on the last underscore
// (spec.md §4.9).
func splitUsername(raw string) (user, serverID string, ok bool) {
	idx := strings.LastIndexByte(raw, '_')
	if idx <= 0 || idx == len(raw)-1 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

// ListenAndServe binds addr and accepts connections until Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("sftpd: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Printf("listening on %s", s.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closedSignal():
				return nil
			default:
				return fmt.Errorf("sftpd: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// closedSignal returns a channel that is already closed if the listener
// has been shut down — used only to distinguish a deliberate Shutdown's
// Accept error from a real one.
func (s *Server) closedSignal() <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.listener == nil {
		close(ch)
	}
	s.mu.Unlock()
	return ch
}

// Shutdown closes the listener and waits for in-flight connections to end
// on their own, returning ctx.Err() if ctx expires first. It does not
// close open client connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn completes the SSH handshake and serves every "session"
// channel's "sftp" subsystem request against the authenticated
// connection's sandbox.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		s.logger.Printf("handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	serverID := sshConn.Permissions.Extensions["serverId"]
	inst, ok := s.registry.Get(serverID)
	if !ok {
		return
	}
	resolver := inst.Resolver()

	var wg sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, channelReqs, err := newChannel.Accept()
		if err != nil {
			s.logger.Printf("accept channel: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveSession(channel, channelReqs, resolver)
		}()
	}
	wg.Wait()
}

// serveSession waits for the "subsystem sftp" request on one SSH channel
// and, once granted, hands the channel to a dedicated pkg/sftp
// RequestServer scoped to resolver.
func (s *Server) serveSession(channel ssh.Channel, reqs <-chan *ssh.Request, resolver *sandbox.Resolver) {
	defer channel.Close()

	for req := range reqs {
		ok := req.Type == "subsystem" && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if !ok {
			continue
		}

		handlers := newHandlers(resolver)
		rs := sftp.NewRequestServer(channel, *handlers)
		if err := rs.Serve(); err != nil {
			s.logger.Printf("sftp session ended: %v", err)
		}
		rs.Close()
		return
	}
}
