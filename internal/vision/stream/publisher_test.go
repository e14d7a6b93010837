package stream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
)

var errDone = errors.New("done")

func serve(t *testing.T, p *Publisher) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	p.Register(s)
	go s.Serve(lis)
	t.Cleanup(func() {
		p.Stop()
		s.Stop()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func snapshot(seq uint64) pipeline.Snapshot {
	return pipeline.Snapshot{
		Detections: []vision.Detection{
			{ID: "t1", Label: "cat", Confidence: 80, X: 10, Y: 20, Width: 30, Height: 40},
			{ID: "t2", Label: "dog", Confidence: 65, X: 50, Y: 60, Width: 10, Height: 10},
		},
		Stats: vision.InferenceStats{TimeMs: 12, FPS: 83, TotalDetections: 2},
		Seq:   seq,
		At:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLatest(t *testing.T) {
	p := NewPublisher(Config{})
	conn := serve(t, p)
	ctx := context.Background()

	_, err := Latest(ctx, conn)
	assert.Equal(t, codes.NotFound, status.Code(err))

	want := snapshot(7)
	p.Publish(want)
	got, err := Latest(ctx, conn)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Latest mismatch (-want +got):\n%s", diff)
	}
}

func TestWatch_FiltersLabels(t *testing.T) {
	p := NewPublisher(Config{})
	conn := serve(t, p)

	got := make(chan pipeline.Snapshot, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(context.Background(), conn, []string{"dog"}, func(s pipeline.Snapshot) error {
			got <- s
			return errDone
		})
	}()
	require.Eventually(t, func() bool { return p.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	p.Publish(snapshot(3))
	select {
	case s := <-got:
		assert.Equal(t, uint64(3), s.Seq)
		require.Len(t, s.Detections, 1)
		assert.Equal(t, "dog", s.Detections[0].Label)
		assert.Equal(t, 2, s.Stats.TotalDetections)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	assert.ErrorIs(t, <-errc, errDone)
	require.Eventually(t, func() bool { return p.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatch_ReplaysLatestOnConnect(t *testing.T) {
	p := NewPublisher(Config{})
	conn := serve(t, p)
	p.Publish(snapshot(9))

	var seq uint64
	err := Watch(context.Background(), conn, nil, func(s pipeline.Snapshot) error {
		seq = s.Seq
		assert.Len(t, s.Detections, 2)
		return errDone
	})
	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, uint64(9), seq)
}

func TestWatch_MaxClients(t *testing.T) {
	p := NewPublisher(Config{MaxClients: 1})
	conn := serve(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, conn, nil, func(pipeline.Snapshot) error { return nil })
	require.Eventually(t, func() bool { return p.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	err := Watch(context.Background(), conn, nil, func(pipeline.Snapshot) error { return nil })
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestWatch_EndsOnStop(t *testing.T) {
	p := NewPublisher(Config{})
	conn := serve(t, p)

	errc := make(chan error, 1)
	go func() {
		errc <- Watch(context.Background(), conn, nil, func(pipeline.Snapshot) error { return nil })
	}()
	require.Eventually(t, func() bool { return p.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	select {
	case err := <-errc:
		// A server-closed stream surfaces as io.EOF from RecvMsg.
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not end after Stop")
	}
}

func TestPublish_DropsWhenClientQueueFull(t *testing.T) {
	p := NewPublisher(Config{ClientBuffer: 1})
	_, c, err := p.addClient(nil)
	require.NoError(t, err)

	p.Publish(snapshot(1))
	p.Publish(snapshot(2))
	assert.Equal(t, uint64(1), p.Dropped())
	assert.Equal(t, uint64(1), (<-c.ch).Seq)
}

func TestStartStop(t *testing.T) {
	p := NewPublisher(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, p.Start())
	require.Error(t, p.Start())
	assert.NotNil(t, p.Addr())
	p.Stop()
	p.Stop()
}
