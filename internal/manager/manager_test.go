package manager

import (
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTopicThresholdAndDuplicate(t *testing.T) {
	m := New(queue.New(), WithThreshold(0.75))
	_, err := m.Seed("Battery chemistry", "overview")
	require.NoError(t, err)

	low := m.AddTopic(Proposal{Topic: "Sodium-ion cells", Score: 0.5, Recommend: true})
	assert.False(t, low.Accepted)
	assert.Equal(t, ReasonLowScore, low.Reason)
	assert.Equal(t, 1, m.Stats().Total)

	first := m.AddTopic(Proposal{Topic: "Sodium-ion cells", Score: 0.9, Recommend: true})
	require.True(t, first.Accepted)
	assert.NotEmpty(t, first.BlockID)

	second := m.AddTopic(Proposal{Topic: "sodium-ion CELLS", Score: 0.9, Recommend: true})
	assert.False(t, second.Accepted)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, 2, m.Stats().Total)

	b, ok := m.Block(first.BlockID)
	require.True(t, ok)
	assert.Equal(t, queue.OriginDiscovered, b.Origin)
	assert.Equal(t, 0.9, b.Score)
}

func TestAddTopicEmptyTitleAlwaysRejected(t *testing.T) {
	m := New(queue.New(), WithThreshold(0))
	adm := m.AddTopic(Proposal{Topic: "   ", Score: 1, Recommend: true})
	assert.False(t, adm.Accepted)
	assert.Equal(t, ReasonEmptyTopic, adm.Reason)
	assert.Equal(t, 0, m.Stats().Total)
}

func TestAddTopicCapacity(t *testing.T) {
	m := New(queue.New(queue.WithMaxLength(1)))
	_, err := m.Seed("only", "")
	require.NoError(t, err)

	adm := m.AddTopic(Proposal{Topic: "another", Score: 0.99, Recommend: true})
	assert.False(t, adm.Accepted)
	assert.Equal(t, ReasonCapacity, adm.Reason)
}

func TestChangedCoalescesNotifications(t *testing.T) {
	m := New(queue.New())
	_, _ = m.Seed("a", "")
	_, _ = m.Seed("b", "")

	select {
	case <-m.Changed():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-m.Changed():
		t.Fatal("notifications should coalesce")
	default:
	}
}

func TestPrimaryTopic(t *testing.T) {
	m := New(queue.New())
	m.SetPrimaryTopic("  grid-scale storage economics ")
	assert.Equal(t, "grid-scale storage economics", m.PrimaryTopic())
}

func TestLifecycleThroughManager(t *testing.T) {
	m := New(queue.New())
	seeded, err := m.Seed("topic", "")
	require.NoError(t, err)

	b, ok := m.ClaimNext()
	require.True(t, ok)
	assert.Equal(t, seeded.ID, b.ID)

	require.NoError(t, m.AppendTrace(b.ID, queue.ToolTrace{ToolType: "web_search"}))
	require.NoError(t, m.SetIteration(b.ID, 1))
	require.NoError(t, m.Complete(b.ID))
	require.NoError(t, m.Complete(b.ID))

	assert.True(t, m.IsDrained())
	st := m.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.ToolCalls)
}

func TestRestoreKeepsFinishedWorkAndFailsInterrupted(t *testing.T) {
	src := New(queue.New())
	_, err := src.Seed("done", "")
	require.NoError(t, err)
	_, err = src.Seed("interrupted", "")
	require.NoError(t, err)
	_, err = src.Seed("waiting", "")
	require.NoError(t, err)
	first, _ := src.ClaimNext()
	require.NoError(t, src.Complete(first.ID))
	_, _ = src.ClaimNext()

	m := New(queue.New())
	require.NoError(t, m.Restore(src.q.State()))

	st := m.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Pending)

	next, ok := m.ClaimNext()
	require.True(t, ok)
	assert.Equal(t, "waiting", next.Topic)
	assert.Error(t, m.Restore(src.q.State()), "restore into a non-empty queue")
}
