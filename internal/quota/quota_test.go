package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct {
	count int
	err   error
	since time.Time
	calls int
}

func (c *stubCounter) CountRecords(ctx context.Context, userID, operation string, since time.Time) (int, error) {
	c.calls++
	c.since = since
	return c.count, c.err
}

func fixedGate(counter Counter) *Gate {
	g := NewGate(counter, 2, []string{"basic", "starter", "professional"})
	g.now = func() time.Time { return time.Date(2026, 7, 19, 15, 4, 5, 0, time.FixedZone("UTC+8", 8*3600)) }
	return g
}

func TestGate_Boundary(t *testing.T) {
	ctx := context.Background()
	free := Entitlement{}
	cases := []struct {
		name    string
		used    int
		ent     Entitlement
		blocked bool
	}{
		{"免费用户未达上限", 1, free, false},
		{"免费用户达到上限", 2, free, true},
		{"免费用户超出上限", 5, free, true},
		{"付费用户", 2, Entitlement{Plan: "basic", Paid: true}, false},
		{"管理员", 100, Entitlement{IsAdmin: true}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			counter := &stubCounter{count: c.used}
			err := fixedGate(counter).Check(ctx, "u1", c.ent)
			if !c.blocked {
				assert.NoError(t, err)
				return
			}
			var exceeded *ExceededError
			require.ErrorAs(t, err, &exceeded)
			assert.Equal(t, 2, exceeded.Limit)
			assert.Contains(t, err.Error(), "2 free per month")
			assert.Contains(t, err.Error(), "Upgrade")
		})
	}
}

func TestGate_ExemptSkipsCount(t *testing.T) {
	counter := &stubCounter{count: 10}
	require.NoError(t, fixedGate(counter).Check(context.Background(), "u1", Entitlement{IsAdmin: true}))
	assert.Zero(t, counter.calls)
}

func TestGate_CountsSinceMonthStartUTC(t *testing.T) {
	counter := &stubCounter{}
	require.NoError(t, fixedGate(counter).Check(context.Background(), "u1", Entitlement{}))
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), counter.since)
}

func TestGate_CountErrorTreatedAsZero(t *testing.T) {
	counter := &stubCounter{count: 9, err: errors.New("db down")}
	g := fixedGate(counter)
	var reported error
	g.OnCountError = func(_ string, err error) { reported = err }

	assert.NoError(t, g.Check(context.Background(), "u1", Entitlement{}))
	assert.EqualError(t, reported, "db down")
}

func TestGate_Entitlement(t *testing.T) {
	g := fixedGate(&stubCounter{})
	assert.True(t, g.Entitlement(&store.Profile{Plan: "starter"}).Paid)
	assert.False(t, g.Entitlement(&store.Profile{Plan: "free"}).Paid)
	assert.True(t, g.Entitlement(&store.Profile{IsAdmin: true}).Exempt())

	assert.Equal(t, 0, Credits(Entitlement{Paid: true}))
	assert.Equal(t, 0, Credits(Entitlement{IsAdmin: true}))
	assert.Equal(t, 1, Credits(Entitlement{}))
	assert.Equal(t, "free", Entitlement{}.PlanName())
}

func TestGate_WithBoltStore(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/q.db")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	g := NewGate(s, 2, []string{"basic"})
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		_, err := s.InsertRecord(ctx, store.Record{UserID: "u1", OperationType: store.OperationBackgroundRemoval, CreatedAt: now})
		require.NoError(t, err)
	}

	var exceeded *ExceededError
	assert.ErrorAs(t, g.Check(ctx, "u1", Entitlement{}), &exceeded)
	assert.NoError(t, g.Check(ctx, "u1", Entitlement{Plan: "basic", Paid: true}))
	assert.NoError(t, g.Check(ctx, "u2", Entitlement{}))
}
