package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

type testServer struct {
	addr     string
	manager  *Manager
	acceptor *recordingAcceptor
}

func startServer(t *testing.T, users string) *testServer {
	t.Helper()
	return startServerWith(t, users, &recordingAcceptor{})
}

func startServerWith(t *testing.T, users string, acceptor *recordingAcceptor) *testServer {
	t.Helper()
	manager := newTestManager(t, acceptor)
	registry, err := ParseUsers(users)
	require.NoError(t, err)

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	srv, err := NewServer(ServerParams{
		Manager:  manager,
		Registry: registry,
		HostKey:  signer,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return &testServer{addr: ln.Addr().String(), manager: manager, acceptor: acceptor}
}

func (ts *testServer) dial(t *testing.T, user, password string) (*ssh.Client, *sftp.Client) {
	t.Helper()
	conn, err := ssh.Dial("tcp", ts.addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	client, err := sftp.NewClient(conn)
	require.NoError(t, err)
	return conn, client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestServerRoundTrip(t *testing.T) {
	ts := startServer(t, "bob:secret:read+write")
	conn, client := ts.dial(t, "bob", "secret")
	defer conn.Close()
	defer client.Close()

	require.NoError(t, client.Mkdir("/inbox"))
	f, err := client.Create("/inbox/hello.json")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(`"yo"}`), 6)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(`{"hi":`), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	waitFor(t, func() bool { return len(ts.acceptor.accepted()) == 1 })

	calls := ts.acceptor.accepted()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"hi":"yo"}`, string(calls[0].body))
	assert.Equal(t, "bob", calls[0].req.SourceMetadata["username"])
	assert.Equal(t, "/inbox/hello.json", calls[0].req.SourceMetadata["original_path"])

	infos, err := client.ReadDir("/inbox")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "hello.json", infos[0].Name())
	assert.Equal(t, int64(11), infos[0].Size())

	err = client.Remove("/inbox/hello.json")
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestServerCloseDoesNotStallOtherHandles(t *testing.T) {
	acceptor := &recordingAcceptor{gate: make(chan struct{})}
	ts := startServerWith(t, "bob:secret:read+write", acceptor)
	conn, client := ts.dial(t, "bob", "secret")
	defer conn.Close()
	defer client.Close()

	a, err := client.Create("/a.json")
	require.NoError(t, err)
	b, err := client.Create("/b.json")
	require.NoError(t, err)
	_, err = a.Write([]byte(`{"a":1}`))
	require.NoError(t, err)

	// The acceptor stays gated until both handles have been used.
	require.NoError(t, a.Close())
	start := time.Now()
	_, err = b.WriteAt([]byte(`{"b":2}`), 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	close(acceptor.gate)
	require.NoError(t, b.Close())
	waitFor(t, func() bool { return len(ts.acceptor.accepted()) == 2 })
}

func TestServerDisconnectWithoutCloseIngestsNothing(t *testing.T) {
	ts := startServer(t, "bob:secret:read+write")
	conn, client := ts.dial(t, "bob", "secret")

	f, err := client.Create("/big.bin")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 64<<10))
	require.NoError(t, err)
	waitFor(t, func() bool { return ts.manager.Active() == 1 })

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return ts.manager.Active() == 0 })

	assert.Empty(t, ts.acceptor.accepted())
	entries, err := os.ReadDir(ts.manager.root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, handoffDir, entries[0].Name())
	assert.Empty(t, pendingHandoffs(t, ts.manager))
}

func TestServerRejectsBadCredentials(t *testing.T) {
	ts := startServer(t, "bob:secret:read+write")
	_, err := ssh.Dial("tcp", ts.addr, &ssh.ClientConfig{
		User:            "bob",
		Auth:            []ssh.AuthMethod{ssh.Password("nope")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	assert.Error(t, err)
	assert.Equal(t, 0, ts.manager.Active())
}
