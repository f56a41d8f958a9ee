// Package oracle is the engine's client for the background blocklist service.
//
// The collaborator owns the actual do-not-play list; the engine only asks
// membership questions and requests additions/removals. All exchanges are
// typed request/response pairs dispatched over a bus.Router, so the service
// can live in-process (tests, single binary) or behind HTTP without the
// engine noticing.
package oracle

import "encoding/json"

// Bus service names for the message contract.
const (
	SvcCheckArtistBlocked = "check_artist_blocked"
	SvcAddToDNP           = "add_to_dnp"
	SvcRemoveFromDNP      = "remove_from_dnp"
	SvcLogAction          = "log_action"
)

// ImportService returns the platform-scoped bulk-reconciliation service name,
// e.g. "import_testfm_blocklist".
func ImportService(platformID string) string {
	return "import_" + platformID + "_blocklist"
}

// Services lists every service name an engine for the given platform uses.
func Services(platformID string) []string {
	return []string{
		SvcCheckArtistBlocked,
		SvcAddToDNP,
		SvcRemoveFromDNP,
		SvcLogAction,
		ImportService(platformID),
	}
}

// ArtistInfo identifies an artist across messages.
type ArtistInfo struct {
	Name       string `json:"name"`
	ExternalID string `json:"externalId,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// CheckRequest asks whether an artist is on the blocklist.
type CheckRequest struct {
	Artist ArtistInfo `json:"artistInfo"`
}

// CheckResponse answers a CheckRequest.
type CheckResponse struct {
	Blocked bool `json:"blocked"`
}

// ChangeRequest adds or removes an artist (ADD_TO_DNP / REMOVE_FROM_DNP).
type ChangeRequest struct {
	Artist ArtistInfo `json:"artistInfo"`
}

// ChangeResponse acknowledges a ChangeRequest.
type ChangeResponse struct {
	Success bool `json:"success"`
}

// Action describes an engine action for the fire-and-forget audit log.
type Action struct {
	Type      string          `json:"type"`
	Platform  string          `json:"platform"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
}

// LogRequest wraps an Action for LOG_ACTION.
type LogRequest struct {
	Action Action `json:"action"`
}

// ExportTrack is one track row in an export document.
type ExportTrack struct {
	Artist     string `json:"artist"`
	Title      string `json:"title"`
	ExternalID string `json:"externalId,omitempty"`
	URL        string `json:"url,omitempty"`
}

// ExportArtist is one artist entry in an export document.
type ExportArtist struct {
	Name       string `json:"name"`
	ExternalID string `json:"externalId,omitempty"`
}

// ExportDocument is the file format for platforms without a write API: the
// engine exports what it can see, and the collaborator re-imports it in
// another session via IMPORT_<PLATFORM>_BLOCKLIST.
type ExportDocument struct {
	Timestamp int64          `json:"timestamp"`
	Platform  string         `json:"platform"`
	URL       string         `json:"url"`
	Tracks    []ExportTrack  `json:"tracks"`
	Artists   []ExportArtist `json:"artists"`
}

// ImportRequest carries an export document for bulk reconciliation.
type ImportRequest struct {
	Data struct {
		Artists []ExportArtist `json:"artists"`
		Tracks  []ExportTrack  `json:"tracks"`
	} `json:"data"`
}
