package federation

// WellKnownPath is where every Forge instance serves its discovery document.
const WellKnownPath = "/.well-known/forge-federation"

// DiscoveryDocument is the public self-description of an instance. Operators
// fetch it before registering a peer; the SDK fetches it to resolve a peer's
// instance id and pin its public key.
type DiscoveryDocument struct {
	InstanceID               string       `json:"instance_id"`
	Name                     string       `json:"name"`
	APIVersion               string       `json:"api_version"`
	PublicKeyPEM             string       `json:"public_key"`
	Capabilities             Capabilities `json:"capabilities"`
	SuggestedIntervalMinutes int          `json:"suggested_interval_minutes"`
	MaxEntitiesPerSync       int          `json:"max_entities_per_sync"`
}

// NewDiscoveryDocument builds the document for this instance.
func NewDiscoveryDocument(info InstanceInfo, provider CryptoProvider) (*DiscoveryDocument, error) {
	pemKey, err := provider.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return &DiscoveryDocument{
		InstanceID:               info.InstanceID,
		Name:                     info.Name,
		APIVersion:               info.APIVersion,
		PublicKeyPEM:             pemKey,
		Capabilities:             info.Capabilities,
		SuggestedIntervalMinutes: info.SuggestedIntervalMinutes,
		MaxEntitiesPerSync:       info.MaxEntitiesPerSync,
	}, nil
}
