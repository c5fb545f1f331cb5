package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	pserr "packetsender/internal/errors"
	"packetsender/util"
)

// sshServer is a minimal gateway that accepts any public key and
// forwards direct-tcpip channels.
type sshServer struct {
	addr    string
	hostKey ssh.PublicKey
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(c, cfg)
		}
	}()

	return &sshServer{addr: ln.Addr().String(), hostKey: signer.PublicKey()}
}

func serveSSH(c net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "only direct-tcpip")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &target); err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		dst, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			dst.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer ch.Close()
			defer dst.Close()
			go io.Copy(dst, ch) //nolint:errcheck
			io.Copy(ch, dst)    //nolint:errcheck
		}()
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}()
		}
	}()
	return ln.Addr().String()
}

func gatewayConfig(t *testing.T, srv *sshServer) *SSHConfig {
	t.Helper()
	host, port, _ := net.SplitHostPort(srv.addr)
	p, _ := strconv.Atoi(port)
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)
	return &SSHConfig{User: "tester", Host: host, Port: p, KeyPath: keyPath, ConnTimeout: 5 * time.Second}
}

func TestSSHTunnel_DialThroughGateway(t *testing.T) {
	srv := startSSHServer(t)
	echo := startEcho(t)

	tun := NewSSHTunnel(gatewayConfig(t, srv), util.NewLogger(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tun.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Close()
	if !tun.IsAlive() {
		t.Fatal("tunnel should be alive after Connect")
	}

	conn, err := tun.Dial(ctx, "tcp", echo)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q", buf)
	}
}

func TestSSHTunnel_StrictHostKey(t *testing.T) {
	srv := startSSHServer(t)

	kh := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey)
	if err := os.WriteFile(kh, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := gatewayConfig(t, srv)
	cfg.StrictHostKey = true
	cfg.KnownHosts = kh

	tun := NewSSHTunnel(cfg, util.NewLogger(0))
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with pinned key: %v", err)
	}
	tun.Close()

	// An empty known_hosts rejects the gateway.
	if err := os.WriteFile(kh, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	tun = NewSSHTunnel(cfg, util.NewLogger(0))
	err := tun.Connect(context.Background())
	if err == nil {
		tun.Close()
		t.Fatal("expected host key rejection")
	}
	var se *pserr.SSHError
	if !errors.As(err, &se) || se.Op != "handshake" {
		t.Errorf("err = %v, want handshake SSHError", err)
	}
}

func TestSSHTunnel_DialBeforeConnect(t *testing.T) {
	tun := NewSSHTunnel(&SSHConfig{Host: "127.0.0.1"}, util.NewLogger(0))
	if _, err := tun.Dial(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, pserr.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSSHTunnel_CloseMarksDead(t *testing.T) {
	srv := startSSHServer(t)
	tun := NewSSHTunnel(gatewayConfig(t, srv), util.NewLogger(0))
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tun.IsAlive() {
		t.Error("tunnel should be dead after Close")
	}
	if err := tun.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
