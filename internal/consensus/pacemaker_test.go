package consensus

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

func testCommittee() types.CommitteeInfo {
	return types.CommitteeInfo{
		CommitteeSize:  4,
		ThisShardGroup: 0,
		Members:        []types.NodeID{"n0", "n1", "n2", "n3"},
	}
}

func TestPacemakerResetStartsAtGivenView(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 5)
	assert.Equal(t, types.View(5), pm.CurrentView())
}

func TestOnHighQCAdvancesViewAndResetsDeadline(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 1)

	advanced := pm.OnHighQC(3)
	assert.True(t, advanced)
	assert.Equal(t, types.View(4), pm.CurrentView())
}

func TestOnHighQCIgnoresStaleView(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 10)
	pm.OnHighQC(3)
	advanced := pm.OnHighQC(1)
	assert.False(t, advanced)
	assert.Equal(t, types.View(10), pm.CurrentView())
}

func TestOnTimeoutIncrementsViewAndBacksOff(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 1)

	before := pm.Deadline()
	sig := pm.OnTimeout(types.QuorumCertificate{})
	assert.Equal(t, types.View(2), sig.View)
	assert.True(t, pm.Deadline().After(before))
	assert.NotEmpty(t, sig.NextLeader)
}

func TestOnCommitResetsConsecutiveTimeouts(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 1)
	pm.OnTimeout(types.QuorumCertificate{})
	pm.OnTimeout(types.QuorumCertificate{})
	require.Equal(t, uint32(2), pm.consecutiveTimeouts)

	pm.OnCommit()
	assert.Equal(t, uint32(0), pm.consecutiveTimeouts)
}

func TestLeaderForIsDeterministicAcrossCalls(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 1)

	a := pm.LeaderFor(7)
	b := pm.LeaderFor(7)
	assert.Equal(t, a, b)
	assert.Contains(t, testCommittee().Members, a)
}

func TestIsExpiredReflectsMockClockAdvance(t *testing.T) {
	mock := clock.NewMock()
	pm := NewPacemaker(mock, time.Second, nil)
	pm.Reset(1, 0, testCommittee(), 1)

	assert.False(t, pm.IsExpired())
	mock.Add(2 * time.Second)
	assert.True(t, pm.IsExpired())
}
