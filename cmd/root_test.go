package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packetsender/config"
	"packetsender/internal/core"
	"packetsender/internal/metrics"
	"packetsender/packet"
	"packetsender/util"
)

// run executes the CLI with an isolated settings file.
func run(t *testing.T, ctx context.Context, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"--settings", filepath.Join(t.TempDir(), "none.yaml")}, args...)
	err = execute(ctx, args, strings.NewReader(""), &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestExecute_Version(t *testing.T) {
	out, _, err := run(t, context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "packetsender "+version+"\n", out)
}

func TestExecute_Help(t *testing.T) {
	_, errOut, err := run(t, context.Background(), "--help")
	require.NoError(t, err)
	assert.Contains(t, errOut, "Usage:")
}

func TestExecute_InvalidFlags(t *testing.T) {
	_, _, err := run(t, context.Background(), "--nonexistent-flag")
	assert.Error(t, err)
}

func TestExecute_DryRun(t *testing.T) {
	out, _, err := run(t, context.Background(), "--dry-run", "--udp-port", "5000", "-6")
	require.NoError(t, err)
	assert.Contains(t, out, "UDP 5000")
	assert.Contains(t, out, "IPv6")
}

func TestExecute_Positional(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"host only", []string{"localhost"}, "usage"},
		{"bad port", []string{"localhost", "http"}, "port"},
		{"bad hex", []string{"localhost", "80", "zz"}, "--ascii"},
		{"udp with tls", []string{"-u", "-s", "localhost", "80"}, "cannot be combined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, context.Background(), append([]string{"--dry-run"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExecute_SettingsLayers(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("udpPort: 1111\ntcpPort: 2222\nsslPort: 3333\n"), 0o600))

	t.Setenv("PACKETSENDER_TCP_PORT", "4444")

	var out bytes.Buffer
	err := execute(context.Background(),
		[]string{"--settings", settings, "--dry-run", "--ssl-port", "5555"},
		strings.NewReader(""), &out, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "UDP 1111, TCP 4444, SSL 5555", "flags > env > file")
}

func TestExecute_BadSettings(t *testing.T) {
	t.Setenv("PACKETSENDER_UDP_PORT", "70000")
	_, _, err := run(t, context.Background(), "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyUDPPort)
}

func TestExecute_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PACKETSENDER_SSL_PORT=6543\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PACKETSENDER_SSL_PORT") })

	out, _, err := run(t, context.Background(), "--env-file", envFile, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "SSL 6543")
}

func TestFlagStore(t *testing.T) {
	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	fs.Int("udp-port", 0, "")
	fs.Bool("delay", false, "")
	fs.String("response", "", "")
	fs.BoolP("ipv6", "6", false, "")
	fs.String("tunnel", "", "")
	require.NoError(t, fs.Parse([]string{"--udp-port", "9", "--delay", "--response", "AA", "-6"}))

	st := flagStore(fs)
	assert.Equal(t, config.MapStore{
		config.KeyUDPPort:           "9",
		config.KeyDelayAfterConnect: "true",
		config.KeyResponseHex:       "AA",
		config.KeySendResponse:      "true",
		config.KeyIPMode:            "6",
	}, st)
}

func TestExecute_OneShotUDP(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := strconv.Itoa(peer.LocalAddr().(*net.UDPAddr).Port)

	out, _, err := run(t, context.Background(), "-u", "-w", "10ms", "127.0.0.1", port, "AA BB")
	require.NoError(t, err)
	assert.Contains(t, out, "-> UDP")
	assert.Contains(t, out, "AABB")

	peer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 8)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, buf[:n])
}

func TestExecute_OneShotTCPFailure(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	out, _, err := run(t, context.Background(), "-w", "10ms", "127.0.0.1", port, "01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send failed")
	assert.Contains(t, out, "error:")
}

func TestExecute_Serve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, errOut, err := run(t, ctx)
	require.NoError(t, err)
	assert.Contains(t, errOut, "listening: UDP")
}

func TestRouter(t *testing.T) {
	cfg, err := config.Snapshot(config.MapStore{})
	require.NoError(t, err)
	mc := metrics.New()
	e := core.New(util.NewLogger(0), core.WithMetrics(mc))
	require.NoError(t, e.Initialize(context.Background(), cfg))
	defer e.Teardown() //nolint:errcheck

	_, err = e.Send(packet.New(packet.UDP, "127.0.0.1", 9, []byte{1}))
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(e, mc))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st statusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, e.UDPPort(), st.UDPPort)
	assert.EqualValues(t, 1, st.Metrics.PacketsSent["UDP"])

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp2.Body) //nolint:errcheck
	assert.Contains(t, body.String(), `packetsender_packets_sent_total{transport="UDP"} 1`)

	resp3, err := http.Get(srv.URL + "/workers/nope")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}
