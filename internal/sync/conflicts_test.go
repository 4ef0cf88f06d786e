package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegraph/forge-core/internal/core"
)

func capsuleWith(title, content string, trustLevel int, updatedAt time.Time, tags ...string) *core.Capsule {
	c := &core.Capsule{
		Title:      title,
		Type:       "note",
		Content:    content,
		Tags:       tags,
		TrustLevel: trustLevel,
		UpdatedAt:  updatedAt,
	}
	c.ContentHash = c.ComputeContentHash()
	return c
}

func TestDetectConflictNeedsBothSidesMoved(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	local := capsuleWith("Topic", "local", 50, base)
	remote := capsuleWith("Topic", "remote", 50, base)

	rec := &core.FederatedEntityRecord{
		LocalContentHash:  local.ContentHash,
		RemoteContentHash: remote.ContentHash,
	}
	assert.False(t, DetectConflict(local, remote, rec), "neither side moved")

	rec = &core.FederatedEntityRecord{
		LocalContentHash:  "older-local",
		RemoteContentHash: remote.ContentHash,
	}
	assert.False(t, DetectConflict(local, remote, rec), "local-only drift is not a conflict")

	rec = &core.FederatedEntityRecord{
		LocalContentHash:  local.ContentHash,
		RemoteContentHash: "older-remote",
	}
	assert.False(t, DetectConflict(local, remote, rec), "remote-only drift is not a conflict")

	rec = &core.FederatedEntityRecord{
		LocalContentHash:  "older-local",
		RemoteContentHash: "older-remote",
	}
	assert.True(t, DetectConflict(local, remote, rec), "both sides moved")
}

func TestResolveConflictPolicies(t *testing.T) {
	older := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	t.Run("local wins", func(t *testing.T) {
		res := ResolveConflict(core.PolicyLocalWins, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 80, newer))
		assert.Equal(t, OutcomeSkip, res.Outcome)
		assert.Equal(t, ResolutionLocalWins, res.Reason)
		assert.True(t, res.Resolved)
		assert.Nil(t, res.Merged)
	})

	t.Run("remote wins", func(t *testing.T) {
		remote := capsuleWith("T", "r", 20, older)
		res := ResolveConflict(core.PolicyRemoteWins, capsuleWith("T", "l", 90, newer), remote)
		assert.Equal(t, OutcomeUpdate, res.Outcome)
		assert.Equal(t, ResolutionRemoteWins, res.Reason)
		assert.True(t, res.Resolved)
		assert.Same(t, remote, res.Merged)
	})

	t.Run("higher trust remote", func(t *testing.T) {
		res := ResolveConflict(core.PolicyHigherTrust, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 80, older))
		assert.Equal(t, OutcomeUpdate, res.Outcome)
		assert.Equal(t, ResolutionRemoteHigherTrust, res.Reason)
	})

	t.Run("higher trust local", func(t *testing.T) {
		res := ResolveConflict(core.PolicyHigherTrust, capsuleWith("T", "l", 80, older), capsuleWith("T", "r", 50, older))
		assert.Equal(t, OutcomeSkip, res.Outcome)
		assert.Equal(t, ResolutionLocalHigherTrust, res.Reason)
	})

	t.Run("higher trust tie keeps local", func(t *testing.T) {
		res := ResolveConflict(core.PolicyHigherTrust, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 50, older))
		assert.Equal(t, OutcomeSkip, res.Outcome)
		assert.Equal(t, ResolutionLocalHigherTrust, res.Reason)
	})

	t.Run("newer timestamp remote", func(t *testing.T) {
		res := ResolveConflict(core.PolicyNewerTimestamp, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 50, newer))
		assert.Equal(t, OutcomeUpdate, res.Outcome)
		assert.Equal(t, ResolutionRemoteNewer, res.Reason)
	})

	t.Run("newer timestamp local", func(t *testing.T) {
		res := ResolveConflict(core.PolicyNewerTimestamp, capsuleWith("T", "l", 50, newer), capsuleWith("T", "r", 50, older))
		assert.Equal(t, OutcomeSkip, res.Outcome)
		assert.Equal(t, ResolutionLocalNewer, res.Reason)
	})

	t.Run("newer timestamp tie keeps local", func(t *testing.T) {
		res := ResolveConflict(core.PolicyNewerTimestamp, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 50, older))
		assert.Equal(t, OutcomeSkip, res.Outcome)
		assert.Equal(t, ResolutionLocalNewer, res.Reason)
	})

	t.Run("merge", func(t *testing.T) {
		res := ResolveConflict(core.PolicyMerge, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 80, newer))
		assert.Equal(t, OutcomeUpdate, res.Outcome)
		assert.Equal(t, ResolutionMerged, res.Reason)
		assert.True(t, res.Resolved)
		require.NotNil(t, res.Merged)
	})

	t.Run("manual review", func(t *testing.T) {
		res := ResolveConflict(core.PolicyManualReview, capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 80, newer))
		assert.Equal(t, OutcomeSkip, res.Outcome)
		assert.Equal(t, ResolutionManualReview, res.Reason)
		assert.False(t, res.Resolved)
	})

	t.Run("unknown policy falls back to manual review", func(t *testing.T) {
		res := ResolveConflict(core.ConflictPolicy("COIN_FLIP"), capsuleWith("T", "l", 50, older), capsuleWith("T", "r", 80, newer))
		assert.Equal(t, ResolutionManualReview, res.Reason)
		assert.False(t, res.Resolved)
	})
}

func TestMergeCapsulesBlendsBothSides(t *testing.T) {
	older := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	local := capsuleWith("Local title", "local body", 70, older, "b", "a")
	local.ID = "local-id"
	remote := capsuleWith("Remote title", "remote body", 40, newer, "c", "a", "")

	merged := mergeCapsules(local, remote)

	assert.Equal(t, "local-id", merged.ID, "merge keeps the local id")
	assert.Equal(t, 70, merged.TrustLevel, "higher trust level wins")
	assert.Equal(t, []string{"a", "b", "c"}, merged.Tags, "tags union, deduplicated and sorted")
	assert.Equal(t, "Remote title", merged.Title, "newer content wins")
	assert.Equal(t, "remote body", merged.Content)
	assert.True(t, merged.UpdatedAt.Equal(newer))
	assert.Equal(t, merged.ComputeContentHash(), merged.ContentHash, "hash recomputed over the blend")
	assert.NotEqual(t, local.ContentHash, merged.ContentHash)
	assert.NotEqual(t, remote.ContentHash, merged.ContentHash)
}

func TestMergeCapsulesKeepsLocalContentWhenNewer(t *testing.T) {
	older := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	local := capsuleWith("Local title", "local body", 40, newer)
	remote := capsuleWith("Remote title", "remote body", 90, older)

	merged := mergeCapsules(local, remote)

	assert.Equal(t, "Local title", merged.Title)
	assert.Equal(t, "local body", merged.Content)
	assert.Equal(t, 90, merged.TrustLevel, "trust level still takes the maximum of both sides")
	assert.True(t, merged.UpdatedAt.Equal(newer))
}

func TestUnionTagsDropsEmptyAndDuplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, unionTags([]string{"b", "a", ""}, []string{"c", "a"}))
	assert.Empty(t, unionTags(nil, nil))
}
