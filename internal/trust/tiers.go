package trust

// Tier is a named interval of the trust score. Permissions derive from the
// tier alone, so two peers with scores 0.45 and 0.55 are treated identically.
type Tier string

const (
	TierQuarantine Tier = "QUARANTINE"
	TierLimited    Tier = "LIMITED"
	TierStandard   Tier = "STANDARD"
	TierTrusted    Tier = "TRUSTED"
	TierCore       Tier = "CORE"
)

// TierForScore maps a trust score in [0,1] onto its tier.
func TierForScore(score float64) Tier {
	switch {
	case score < 0.2:
		return TierQuarantine
	case score < 0.4:
		return TierLimited
	case score < 0.6:
		return TierStandard
	case score < 0.8:
		return TierTrusted
	default:
		return TierCore
	}
}

// Permissions are the sync capabilities a tier grants.
type Permissions struct {
	CanPull            bool    `json:"can_pull"`
	CanPush            bool    `json:"can_push"`
	RequiresReview     bool    `json:"requires_review"`
	AutoAccept         bool    `json:"auto_accept"`
	RateMultiplier     float64 `json:"rate_multiplier"`
	MaxEntitiesPerSync int     `json:"max_entities_per_sync"`
}

var tierPermissions = map[Tier]Permissions{
	TierQuarantine: {CanPull: false, CanPush: false, RequiresReview: false, AutoAccept: false, RateMultiplier: 1.0, MaxEntitiesPerSync: 0},
	TierLimited:    {CanPull: true, CanPush: false, RequiresReview: true, AutoAccept: false, RateMultiplier: 1.0, MaxEntitiesPerSync: 50},
	TierStandard:   {CanPull: true, CanPush: true, RequiresReview: false, AutoAccept: false, RateMultiplier: 1.0, MaxEntitiesPerSync: 200},
	TierTrusted:    {CanPull: true, CanPush: true, RequiresReview: false, AutoAccept: false, RateMultiplier: 2.0, MaxEntitiesPerSync: 500},
	TierCore:       {CanPull: true, CanPush: true, RequiresReview: false, AutoAccept: true, RateMultiplier: 5.0, MaxEntitiesPerSync: 1000},
}

// Permissions returns the capability set for the tier.
func (t Tier) Permissions() Permissions {
	if p, ok := tierPermissions[t]; ok {
		return p
	}
	return tierPermissions[TierQuarantine]
}
