package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/wire"
)

func newTestWorker(t *testing.T, wakeupAddr string) (*Worker, string, string) {
	t.Helper()
	reg := registry.New()
	w := New(Settings{
		QueryEndpoint:            "tcp://127.0.0.1:*",
		HeartbeatEndpoint:        "tcp://127.0.0.1:*",
		PollingIntervalSeconds:   1,
		HeartbeatIntervalSeconds: 3600,
		QueueHighWaterMark:       1000,
		WakeupAddr:               wakeupAddr,
	}, nil, reg, nil)

	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	queryEndpoint, err := w.reply.GetLastEndpoint()
	require.NoError(t, err)
	heartbeatEndpoint, err := w.heartbeat.GetLastEndpoint()
	require.NoError(t, err)
	return w, queryEndpoint, heartbeatEndpoint
}

func TestWorkerEchoCorrelation(t *testing.T) {
	w, queryEndpoint, _ := newTestWorker(t, "inproc://worker-test-echo")

	w.Attach("blockchain.fetch_last_height", func(req wire.Request, send registry.SendFunc) {
		send([]byte{0, 0, 0, 0, 0xD0, 0xBE, 0x0C, 0x00})
	})

	client, err := zmq4.NewSocket(zmq4.DEALER)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(queryEndpoint))

	idBytes := []byte{0x04, 0x03, 0x02, 0x01}
	_, err = client.SendMessage("blockchain.fetch_last_height", idBytes, []byte{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	client.SetRcvtimeo(2 * time.Second)
	parts, err := client.RecvMessageBytes(0)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, "blockchain.fetch_last_height", string(parts[0]))
	require.Equal(t, idBytes, parts[1])
	require.Equal(t, []byte{0, 0, 0, 0, 0xD0, 0xBE, 0x0C, 0x00}, parts[2])
}

func TestWorkerUnknownCommandDropped(t *testing.T) {
	w, queryEndpoint, _ := newTestWorker(t, "inproc://worker-test-unknown")

	client, err := zmq4.NewSocket(zmq4.DEALER)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(queryEndpoint))

	_, err = client.SendMessage("no.such.command", []byte{1, 0, 0, 0}, []byte{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	client.SetRcvtimeo(200 * time.Millisecond)
	_, err = client.RecvMessageBytes(0)
	require.Error(t, err) // timed out: no response was ever sent
}

func TestWorkerHeartbeat(t *testing.T) {
	reg := registry.New()
	w := New(Settings{
		QueryEndpoint:            "tcp://127.0.0.1:*",
		HeartbeatEndpoint:        "tcp://127.0.0.1:*",
		PollingIntervalSeconds:   1,
		HeartbeatIntervalSeconds: 1,
		QueueHighWaterMark:       1000,
		WakeupAddr:               "inproc://worker-test-heartbeat",
	}, nil, reg, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	heartbeatEndpoint, err := w.heartbeat.GetLastEndpoint()
	require.NoError(t, err)

	sub, err := zmq4.NewSocket(zmq4.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(heartbeatEndpoint))
	require.NoError(t, sub.SetSubscribe(""))
	time.Sleep(100 * time.Millisecond) // allow the subscription to establish

	fixed := time.Now()
	w.nowFn = func() time.Time { return fixed.Add(2 * time.Second) }

	done := make(chan struct{})
	go func() {
		w.Update(10 * time.Millisecond)
		close(done)
	}()
	<-done

	sub.SetRcvtimeo(2 * time.Second)
	parts, err := sub.RecvMessageBytes(0)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, []byte{0, 0, 0, 0}, parts[0])
}
