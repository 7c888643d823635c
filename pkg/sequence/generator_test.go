package sequence

import (
	"context"
	"strings"
	"testing"
	"time"

	"engagement-ledger/services/testutil"

	"github.com/stretchr/testify/require"
)

func TestNextJobCodeIncrementsDaily(t *testing.T) {
	rdb, mr := testutil.NewTestRedis(t)
	now := time.Now().UTC()
	day := now.Format("060102")
	g := &RedisGenerator{
		rdb: rdb,
		now: func() time.Time { return now },
	}
	ctx := context.Background()

	first, err := g.NextJobCode(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first, "BATCH-"+day+"-001"), first)
	require.Len(t, first, len("BATCH-"+day+"-001")+2)

	second, err := g.NextJobCode(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(second, "BATCH-"+day+"-002"), second)

	adj, err := g.NextAdjustmentCode(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(adj, "ADJ-"+day+"-001"), adj)

	require.True(t, mr.TTL("engagement:seq:BATCH:"+day) > 0)
}
