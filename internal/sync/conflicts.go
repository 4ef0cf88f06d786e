package sync

import (
	"sort"

	"github.com/forgegraph/forge-core/internal/core"
)

// Conflict outcomes. Every resolution ends in exactly one of these.
const (
	OutcomeUpdate = "update"
	OutcomeSkip   = "skip"
)

// Resolution labels stored on the conflict audit record.
const (
	ResolutionLocalWins         = "local_wins"
	ResolutionRemoteWins        = "remote_wins"
	ResolutionRemoteHigherTrust = "remote_higher_trust"
	ResolutionLocalHigherTrust  = "local_higher_trust"
	ResolutionRemoteNewer       = "remote_newer"
	ResolutionLocalNewer        = "local_newer"
	ResolutionMerged            = "merged"
	ResolutionManualReview      = "manual_review"
)

// Resolution is the decision a conflict policy produced for one capsule.
// Merged carries the content to apply when Outcome is OutcomeUpdate; it is
// the remote capsule verbatim for remote-wins style policies and a blend for
// MERGE.
type Resolution struct {
	Outcome  string
	Reason   string
	Resolved bool
	Merged   *core.Capsule
}

// DetectConflict reports whether both sides changed since the last sync: the
// local capsule no longer matches the hash we materialized, and the remote
// capsule no longer matches the hash we last fetched. One-sided drift is an
// ordinary update, not a conflict.
func DetectConflict(local, remote *core.Capsule, rec *core.FederatedEntityRecord) bool {
	localMoved := local.ContentHash != rec.LocalContentHash
	remoteMoved := remote.ContentHash != rec.RemoteContentHash
	return localMoved && remoteMoved
}

// ResolveConflict applies the peer's conflict policy. Ties on trust or
// timestamp keep the local side. Unknown policies fall back to manual review
// so bad peer configuration can never silently overwrite local knowledge.
func ResolveConflict(policy core.ConflictPolicy, local, remote *core.Capsule) Resolution {
	switch policy {
	case core.PolicyLocalWins:
		return Resolution{Outcome: OutcomeSkip, Reason: ResolutionLocalWins, Resolved: true}

	case core.PolicyRemoteWins:
		return Resolution{Outcome: OutcomeUpdate, Reason: ResolutionRemoteWins, Resolved: true, Merged: remote}

	case core.PolicyHigherTrust:
		if remote.TrustLevel > local.TrustLevel {
			return Resolution{Outcome: OutcomeUpdate, Reason: ResolutionRemoteHigherTrust, Resolved: true, Merged: remote}
		}
		return Resolution{Outcome: OutcomeSkip, Reason: ResolutionLocalHigherTrust, Resolved: true}

	case core.PolicyNewerTimestamp:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return Resolution{Outcome: OutcomeUpdate, Reason: ResolutionRemoteNewer, Resolved: true, Merged: remote}
		}
		return Resolution{Outcome: OutcomeSkip, Reason: ResolutionLocalNewer, Resolved: true}

	case core.PolicyMerge:
		merged := mergeCapsules(local, remote)
		return Resolution{Outcome: OutcomeUpdate, Reason: ResolutionMerged, Resolved: true, Merged: merged}

	default:
		return Resolution{Outcome: OutcomeSkip, Reason: ResolutionManualReview, Resolved: false}
	}
}

// mergeCapsules blends both sides: the higher trust level, the union of tags,
// and whichever content is newer. The result keeps the local id and gets a
// recomputed content hash since it may match neither parent.
func mergeCapsules(local, remote *core.Capsule) *core.Capsule {
	merged := *local

	if remote.TrustLevel > merged.TrustLevel {
		merged.TrustLevel = remote.TrustLevel
	}

	merged.Tags = unionTags(local.Tags, remote.Tags)

	if remote.UpdatedAt.After(local.UpdatedAt) {
		merged.Title = remote.Title
		merged.Content = remote.Content
		merged.UpdatedAt = remote.UpdatedAt
	}

	merged.ContentHash = merged.ComputeContentHash()
	return &merged
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, tag := range list {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}
