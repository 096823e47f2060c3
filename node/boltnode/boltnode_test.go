package boltnode

import (
	"context"
	"path/filepath"
	"testing"

	bolt "github.com/coreos/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/mlmikael/libbitcoin-server/bserr"
	"github.com/mlmikael/libbitcoin-server/node"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	n, err := Open(path, 4)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestOpenCreatesSchemaAndIsReopenable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	n, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	n2, err := Open(path, 0)
	require.NoError(t, err)
	defer n2.Close()
}

func TestIngestBlockThenFetchLastHeightAndHeader(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	hash := node.Hash32{0x01, 0x02}

	require.NoError(t, n.IngestBlock(node.Block{Height: 7, Hash: hash, Raw: []byte{0xAA}}, []byte{0xDE, 0xAD}, nil))

	code, height := n.FetchLastHeight(ctx)
	require.Equal(t, bserr.CodeSuccess, code)
	require.EqualValues(t, 7, height)

	code, header := n.FetchBlockHeader(ctx, node.HeaderSelector{ByHeight: true, Height: 7})
	require.Equal(t, bserr.CodeSuccess, code)
	require.Equal(t, []byte{0xDE, 0xAD}, header)

	code, header = n.FetchBlockHeader(ctx, node.HeaderSelector{ByHeight: false, Hash: hash})
	require.Equal(t, bserr.CodeSuccess, code)
	require.Equal(t, []byte{0xDE, 0xAD}, header)

	code, blockHeight := n.FetchBlockHeight(ctx, hash)
	require.Equal(t, bserr.CodeSuccess, code)
	require.EqualValues(t, 7, blockHeight)
}

func TestIngestBlockIndexesTransactions(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	txHash := node.Hash32{0x05}

	require.NoError(t, n.IngestBlock(node.Block{
		Height:       3,
		Hash:         node.Hash32{0x09},
		Transactions: [][]byte{{0x01, 0x02, 0x03}},
	}, nil, []node.Hash32{txHash}))

	code, raw := n.FetchTransaction(ctx, txHash)
	require.Equal(t, bserr.CodeSuccess, code)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, raw)

	code, height, index := n.FetchTransactionIndex(ctx, txHash)
	require.Equal(t, bserr.CodeSuccess, code)
	require.EqualValues(t, 3, height)
	require.EqualValues(t, 0, index)
}

func TestPutHistoryRoundTrips(t *testing.T) {
	n := newTestNode(t)
	addr := node.PaymentAddress{Version: 0, Hash: [20]byte{0x01}}
	require.NoError(t, n.PutHistory(addr, node.HistoryRow{Height: 10, Value: 100}))
	require.NoError(t, n.PutHistory(addr, node.HistoryRow{Height: 20, Value: 200}))

	_, rows := n.FetchHistory(context.Background(), addr, 15)
	require.Len(t, rows, 1)
	require.EqualValues(t, 20, rows[0].Height)
	require.EqualValues(t, 200, rows[0].Value)
}

func TestPutSpendRoundTrips(t *testing.T) {
	n := newTestNode(t)
	spent := node.OutPoint{Hash: node.Hash32{0x01}, Index: 2}
	spending := node.OutPoint{Hash: node.Hash32{0x02}, Index: 5}
	require.NoError(t, n.PutSpend(spent, spending))

	code, raw := n.FetchSpend(context.Background(), spent)
	require.Equal(t, bserr.CodeSuccess, code)
	require.Len(t, raw, 36)

	_, notFound := n.FetchSpend(context.Background(), node.OutPoint{Hash: node.Hash32{0xFF}})
	require.Nil(t, notFound)
}

func TestPutStealthFiltersByHeightAndPrefix(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.PutStealth(node.StealthRow{TxHash: node.Hash32{0x01}}, 5, 0xAB))
	require.NoError(t, n.PutStealth(node.StealthRow{TxHash: node.Hash32{0x02}}, 15, 0xAB))
	require.NoError(t, n.PutStealth(node.StealthRow{TxHash: node.Hash32{0x03}}, 5, 0xCD))

	_, rows := n.FetchStealth(context.Background(), 8, []byte{0xAB}, 10)
	require.Len(t, rows, 1)
	require.Equal(t, node.Hash32{0x02}, rows[0].TxHash)
}

func TestAcceptToMempoolAndBroadcast(t *testing.T) {
	n := newTestNode(t)
	hash := node.Hash32{0x07}
	require.NoError(t, n.AcceptToMempool(hash, []byte{0x01}))

	select {
	case ev := <-n.TransactionEvents():
		require.Equal(t, []byte{0x01}, ev.Raw)
	default:
		t.Fatal("expected a transaction event")
	}

	code, raw := n.PoolFetch(context.Background(), hash)
	require.Equal(t, bserr.CodeSuccess, code)
	require.Equal(t, []byte{0x01}, raw)
}

func TestBroadcastHashesEachTransactionDistinctly(t *testing.T) {
	n := newTestNode(t)
	n.Broadcast([]byte{0x01, 0x02})
	n.Broadcast([]byte{0x03, 0x04})

	for i := 0; i < 2; i++ {
		select {
		case <-n.TransactionEvents():
		default:
			t.Fatalf("expected transaction event %d", i+1)
		}
	}

	count := 0
	require.NoError(t, n.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(mempoolBucket)).Stats().KeyN
		return nil
	}))
	require.Equal(t, 2, count, "distinct broadcast transactions must not collide on the same mempool key")
}

func TestConnectionCount(t *testing.T) {
	n := newTestNode(t)
	n.SetConnectionCount(4)
	require.EqualValues(t, 4, n.ConnectionCount())
}
