package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlmikael/libbitcoin-server/wire"
)

// countingLogger records how many times Errorf was called, so a test can
// assert that backpressure produced at least one dropped-frame log line
// without depending on the exact zmq high-water-mark accounting.
type countingLogger struct {
	mu    sync.Mutex
	count int
}

func (l *countingLogger) Debugf(string, ...interface{})   {}
func (l *countingLogger) Infof(string, ...interface{})    {}
func (l *countingLogger) Noticef(string, ...interface{})  {}
func (l *countingLogger) Warningf(string, ...interface{}) {}
func (l *countingLogger) Errorf(string, ...interface{}) {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
}

func (l *countingLogger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func TestSendQueueDeliversEncodedFrame(t *testing.T) {
	pair, err := New("inproc://queue-test-roundtrip", 0, nil)
	require.NoError(t, err)
	defer pair.Close()

	resp := wire.Response{
		Dest:    []byte{0xAA, 0xBB},
		Command: "blockchain.fetch_last_height",
		ID:      7,
		Payload: []byte{0x01, 0x02, 0x03},
	}
	pair.Queue.Send(resp)

	parts, err := pair.Pull.RecvMessageBytes(0)
	require.NoError(t, err)

	req, err := wire.Decode(parts)
	require.NoError(t, err)
	require.Equal(t, resp.Dest, req.Origin)
	require.Equal(t, resp.Command, req.Command)
	require.Equal(t, resp.ID, req.ID)
	require.Equal(t, resp.Payload, req.Payload)
}

func TestSendQueueNeverBlocksAndDropsUnderBackpressure(t *testing.T) {
	log := &countingLogger{}
	pair, err := New("inproc://queue-test-backpressure", 1, log)
	require.NoError(t, err)
	defer pair.Close()

	// Nothing ever drains pair.Pull: once the push socket's send
	// high-water mark (1) is exhausted, further sends must be dropped
	// rather than block the calling goroutine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			pair.Queue.Send(wire.Response{Command: "x", ID: uint32(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked instead of dropping under backpressure")
	}
	require.Greater(t, log.Count(), 0, "expected at least one dropped-frame log line")
}

func TestSendQueueSendAfterCloseIsNoop(t *testing.T) {
	pair, err := New("inproc://queue-test-closed", 0, nil)
	require.NoError(t, err)
	pair.Close()

	require.NotPanics(t, func() {
		pair.Queue.Send(wire.Response{Command: "x", ID: 1})
	})
}
