package engine

import (
	"context"
	"time"

	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/extract"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/platform"
)

// Export synthesizes the bulk-reconciliation document from the blocked
// content currently suppressed on the page: one artist entry per suppressed
// entity, plus every visible track row belonging to one of them. Platforms
// without a write API round-trip this document through the collaborator's
// import service in another session.
func (e *Engine) Export() *oracle.ExportDocument {
	artists := e.overlays.Export()

	e.mu.Lock()
	defer e.mu.Unlock()

	doc := &oracle.ExportDocument{
		Timestamp: time.Now().UnixMilli(),
		Platform:  e.cfg.Platform,
		URL:       e.pageURL,
		Artists:   artists,
	}
	if e.doc == nil || len(artists) == 0 {
		return doc
	}

	blockedKeys := make(map[string]bool, len(artists))
	for _, a := range artists {
		if a.ExternalID != "" {
			blockedKeys[a.ExternalID] = true
		} else {
			blockedKeys[a.Name] = true
		}
	}

	rowSel := e.cfg.Selector(platform.SelTrackRow)
	if rowSel == "" {
		return doc
	}
	titleSel := e.cfg.Selector(platform.SelTrackTitle)

	seen := map[string]bool{}
	for _, row := range e.doc.Root().QueryAll(rowSel) {
		cand := e.extractWithin(row)
		if cand == nil || !extract.Valid(cand) || !blockedKeys[cand.Key()] {
			continue
		}
		title := ""
		if titleSel != "" {
			if t := row.Query(titleSel); t != nil {
				title = t.Text()
			}
		}
		key := cand.Key() + "|" + title
		if seen[key] {
			continue
		}
		seen[key] = true
		doc.Tracks = append(doc.Tracks, oracle.ExportTrack{
			Artist:     cand.Name,
			Title:      title,
			ExternalID: cand.ExternalID,
		})
	}
	return doc
}

// extractWithin tries the element itself, then its descendants, returning the
// first candidate the chain produces. Caller holds e.mu.
func (e *Engine) extractWithin(el *dom.Element) *extract.Candidate {
	if cand := e.chain.Extract(el); cand != nil {
		return cand
	}
	for _, d := range el.QueryAll("*") {
		if cand := e.chain.Extract(d); cand != nil {
			return cand
		}
	}
	return nil
}

// SendExport ships the current export document to the collaborator's
// platform import service.
func (e *Engine) SendExport(ctx context.Context) (bool, error) {
	return e.client.Import(ctx, e.Export())
}
