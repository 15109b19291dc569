package model

// AffinityDocVersion is the schema version tag written into persisted
// affinity documents. Unknown versions are discarded on load.
const AffinityDocVersion = "v1"

// AffinityDocument is the persisted form of the session affinity maps for
// one upstream mode. Keys of SeenSessionKeys are session keys, values are
// last-seen epoch milliseconds.
type AffinityDocument struct {
	Version            string            `json:"version"`
	SeenSessionKeys    map[string]int64  `json:"seenSessionKeys"`
	StickyBySessionKey map[string]string `json:"stickyBySessionKey"`
	HybridBySessionKey map[string]string `json:"hybridBySessionKey"`
}

func NewAffinityDocument() *AffinityDocument {
	return &AffinityDocument{
		Version:            AffinityDocVersion,
		SeenSessionKeys:    make(map[string]int64),
		StickyBySessionKey: make(map[string]string),
		HybridBySessionKey: make(map[string]string),
	}
}
