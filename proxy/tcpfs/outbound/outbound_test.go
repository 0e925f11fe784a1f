package outbound_test

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/tcpfs/tcpfs/proxy/tcpfs"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/inbound"
	. "github.com/tcpfs/tcpfs/proxy/tcpfs/outbound"
)

func startServer(t *testing.T, config inbound.Config, channels ...string) (*inbound.Handler, string) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	h := inbound.New(config, inbound.NewStore(channels...))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, ln.Addr().String()
}

func dial(t *testing.T, addr string, handlers Handlers) *Session {
	t.Helper()
	s, err := Dial(context.Background(), Config{Address: addr, ReadTimeout: 5 * time.Second}, handlers)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestListChannels(t *testing.T) {
	_, addr := startServer(t, inbound.Config{}, "test", "docs")
	s := dial(t, addr, Handlers{})

	channels, err := s.ListChannels(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "test"}, channels)
}

func TestListFilesOfEmptyChannel(t *testing.T) {
	_, addr := startServer(t, inbound.Config{}, "test")
	s := dial(t, addr, Handlers{})

	files, err := s.ListFiles(testContext(t))
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)
}

func TestCIDIsCached(t *testing.T) {
	_, addr := startServer(t, inbound.Config{})
	s := dial(t, addr, Handlers{})

	_, ok := s.ID()
	assert.False(t, ok)

	id, err := s.CID(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	cached, ok := s.ID()
	assert.True(t, ok)
	assert.Equal(t, id, cached)
}

func TestCreateChannel(t *testing.T) {
	h, addr := startServer(t, inbound.Config{}, "test")
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	require.NoError(t, s.CreateChannel(ctx, "music"))
	// The acknowledgement of CREATE_CHANNEL arrives first and must not be taken for this answer.
	channels, err := s.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"music", "test"}, channels)
	assert.Contains(t, h.Store().Channels(), "music")
}

func TestTransferRightAfterFireAndForget(t *testing.T) {
	h, addr := startServer(t, inbound.Config{}, "test")
	require.NoError(t, h.Store().Put("test", "b.txt", []byte("bee")))
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	// The acknowledgements arrive while the transfers are already running.
	require.NoError(t, s.CreateChannel(ctx, "music"))
	s.SetChannel("music")
	task, err := s.Upload(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	require.NoError(t, err)
	stored, err := h.Store().Get("music", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), stored)

	s.SetChannel("test")
	require.NoError(t, s.Subscribe(ctx))
	task, err = s.Download(ctx, "b.txt", nil)
	require.NoError(t, err)
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("bee"), res.Data)
	assert.Equal(t, tcpfs.TokenStart, s.State())
}

func TestDownloadCountsOwnReads(t *testing.T) {
	h, addr := startServer(t, inbound.Config{ChunkSize: 2}, "test")
	require.NoError(t, h.Store().Put("test", "a.txt", []byte("hello")))
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	task, err := s.Download(ctx, "a.txt", nil)
	require.NoError(t, err)
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Data)
	assert.Equal(t, 1, res.Chunks, "three 2-byte frames fill one read of the client's chunk size")
}

func TestUploadThenDownload(t *testing.T) {
	h, addr := startServer(t, inbound.Config{}, "test")
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	task, err := s.Upload(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID())

	var progress []float64
	for f := range task.Progress() {
		progress = append(progress, f)
	}
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", res.File)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, tcpfs.TokenStart, s.State())
	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])

	stored, err := h.Store().Get("test", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), stored)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, files)

	var out bytes.Buffer
	task, err = s.Download(ctx, "a.txt", &out)
	require.NoError(t, err)
	res, err = task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Data)
	assert.Equal(t, "hello", out.String())
}

func TestLargeTransfer(t *testing.T) {
	_, addr := startServer(t, inbound.Config{EchoEOF: true}, "test")
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	data := make([]byte, 10*tcpfs.DefaultChunkSize+17)
	for i := range data {
		data[i] = byte(i * 7)
	}

	task, err := s.Upload(ctx, "big.bin", data)
	require.NoError(t, err)
	up, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, up.Chunks)

	task, err = s.Download(ctx, "big.bin", nil)
	require.NoError(t, err)
	down, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, down.Data)
	assert.Equal(t, up.Digest, down.Digest)
}

func TestEmptyUpload(t *testing.T) {
	_, addr := startServer(t, inbound.Config{}, "test")
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	task, err := s.Upload(ctx, "empty", nil)
	require.NoError(t, err)
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Chunks)
}

func TestDownloadMissingFileNeedsReset(t *testing.T) {
	_, addr := startServer(t, inbound.Config{}, "test")
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	task, err := s.Download(ctx, "missing.txt", nil)
	require.NoError(t, err)
	_, err = task.Wait(ctx)

	var mismatch *tcpfs.StateMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, tcpfs.TokenError, mismatch.Got)
	assert.Contains(t, mismatch.Reason, "not found")
	assert.Equal(t, tcpfs.TokenError, s.State())

	_, err = s.Upload(ctx, "b.txt", []byte("x"))
	assert.Equal(t, tcpfs.ErrNeedsReset, err)

	// Commands keep working while the machine waits for a reset.
	_, err = s.ListFiles(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	task, err = s.Upload(ctx, "b.txt", []byte("x"))
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	assert.NoError(t, err)
}

func TestUpdatePush(t *testing.T) {
	_, addr := startServer(t, inbound.Config{}, "test")
	ctx := testContext(t)

	updates := make(chan struct{}, 4)
	watcher := dial(t, addr, Handlers{OnUpdate: func() { updates <- struct{}{} }})
	require.NoError(t, watcher.Subscribe(ctx))
	// A round trip makes sure the subscription was processed.
	_, err := watcher.ListFiles(ctx)
	require.NoError(t, err)

	uploader := dial(t, addr, Handlers{OnUpdate: func() { t.Error("uploader must not be notified") }})
	task, err := uploader.Upload(ctx, "new.txt", []byte("new"))
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-updates:
	case <-ctx.Done():
		t.Fatal("no UPDATE received")
	}
}

func TestConnectedUsersPush(t *testing.T) {
	_, addr := startServer(t, inbound.Config{})
	ctx := testContext(t)

	lists := make(chan []string, 8)
	s := dial(t, addr, Handlers{OnConnectedUsers: func(users []string) { lists <- users }})
	require.NoError(t, s.SubscribeConnectedUsers(ctx))

	next := func() []string {
		select {
		case l := <-lists:
			return l
		case <-ctx.Done():
			t.Fatal("no connected users push")
			return nil
		}
	}
	assert.Equal(t, []string{"1"}, next())

	other := dial(t, addr, Handlers{})
	assert.Equal(t, []string{"1", "2"}, next())

	users, err := s.ConnectedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, users)

	other.Close()
	assert.Equal(t, []string{"1"}, next())
}

func TestConcurrentCommands(t *testing.T) {
	_, addr := startServer(t, inbound.Config{}, "test", "docs")
	s := dial(t, addr, Handlers{})
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				channels, err := s.ListChannels(ctx)
				assert.NoError(t, err)
				assert.Equal(t, []string{"docs", "test"}, channels)
				return
			}
			id, err := s.CID(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 1, id)
		}(i)
	}
	wg.Wait()
}

func TestDialFailure(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), Config{Address: addr, DialAttempts: 2, RetryDelay: time.Millisecond}, Handlers{})
	require.Error(t, err)
	assert.True(t, tcpfs.IsConnectionError(err))
}

// fakeServer is the server end of a pipe driven by the test.
func fakeServer(t *testing.T, config Config, handlers Handlers) (*Session, *tcpfs.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := New(context.Background(), client, config, handlers)
	srv := tcpfs.NewConn(server)
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, srv
}

func readCommand(t *testing.T, srv *tcpfs.Conn) *tcpfs.Command {
	t.Helper()
	frame, err := srv.ReceiveNext()
	require.NoError(t, err)
	msg, err := tcpfs.DecodeMessage(frame)
	require.NoError(t, err)
	require.NotNil(t, msg.Command)
	return msg.Command
}

func TestBareArrayResponse(t *testing.T) {
	s, srv := fakeServer(t, Config{}, Handlers{})
	go func() {
		cmd := readCommand(t, srv)
		assert.Equal(t, tcpfs.ReqListChannels, cmd.Req)
		_ = srv.Send([]byte(`["a","b"]`))
	}()

	channels, err := s.ListChannels(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, channels)
}

func TestResponseNotOK(t *testing.T) {
	s, srv := fakeServer(t, Config{}, Handlers{})
	go func() {
		readCommand(t, srv)
		_ = srv.SendMessage(tcpfs.Message{Response: tcpfs.CodeQuit, Command: &tcpfs.Command{Req: tcpfs.ReqCID}})
	}()

	_, err := s.CID(testContext(t))
	var pe *tcpfs.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, tcpfs.CodeQuit, pe.Code)
	_, cached := s.ID()
	assert.False(t, cached)
}

func TestCancelledCommandKeepsOrder(t *testing.T) {
	s, srv := fakeServer(t, Config{}, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	received := make(chan struct{})
	go func() {
		readCommand(t, srv)
		close(received)
	}()
	_, err := s.ListChannels(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-received

	// The late answer of the first command must not be handed to the second one.
	go func() {
		_ = srv.SendMessage(tcpfs.Message{
			Response: tcpfs.CodeOK,
			Command:  &tcpfs.Command{Req: tcpfs.ReqListChannels, Payload: tcpfs.EncodeStrings([]string{"late"})},
		})
		cmd := readCommand(t, srv)
		assert.Equal(t, tcpfs.ReqListChannels, cmd.Req)
		_ = srv.SendMessage(tcpfs.Message{
			Response: tcpfs.CodeOK,
			Command:  &tcpfs.Command{Req: tcpfs.ReqListChannels, Payload: tcpfs.EncodeStrings([]string{"fresh"})},
		})
	}()
	channels, err := s.ListChannels(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, channels)
}

func TestReadTimeoutClosesSession(t *testing.T) {
	closed := make(chan error, 1)
	s, srv := fakeServer(t, Config{ReadTimeout: 50 * time.Millisecond}, Handlers{OnClose: func(err error) { closed <- err }})
	go readCommand(t, srv)

	_, err := s.ListChannels(testContext(t))
	var ce *tcpfs.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Timeout())

	select {
	case err := <-closed:
		assert.True(t, tcpfs.IsConnectionError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Error(t, s.Err())
}

func TestIdleSessionHasNoTimeout(t *testing.T) {
	s, _ := fakeServer(t, Config{ReadTimeout: 20 * time.Millisecond}, Handlers{})
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, s.Err())
}

func TestPeerCloseFailsTransfer(t *testing.T) {
	s, srv := fakeServer(t, Config{}, Handlers{})
	go func() {
		_, _ = srv.ReceiveNext()
		srv.Close()
	}()

	ctx := testContext(t)
	task, err := s.Upload(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	assert.True(t, tcpfs.IsConnectionError(err))

	<-s.Done()
	_, err = s.ListChannels(ctx)
	assert.True(t, tcpfs.IsConnectionError(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := fakeServer(t, Config{}, Handlers{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Err(), tcpfs.ErrClosed)
}

func TestChannelSelection(t *testing.T) {
	s, srv := fakeServer(t, Config{Channel: "docs"}, Handlers{})
	assert.Equal(t, "docs", s.Channel())
	s.SetChannel("music")

	go func() {
		cmd := readCommand(t, srv)
		assert.Equal(t, "music", cmd.Channel)
		_ = srv.SendMessage(tcpfs.Message{Response: tcpfs.CodeOK, Command: &tcpfs.Command{Req: tcpfs.ReqListFiles}})
	}()
	files, err := s.ListFiles(testContext(t))
	require.NoError(t, err)
	assert.Empty(t, files)
}
