package models

import (
	"testing"
)

func runNodes(ids ...int) []*SyncRun {
	nodes := make([]*SyncRun, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, &SyncRun{ID: id})
	}
	return nodes
}

func encodeRunID(node *SyncRun) string {
	return EncodeCursor(node.GetCursor())
}

// The extra limit+1 row only signals a next page; it must never leak into
// the edges the client sees.
func TestBuildConnection_OverfetchSignalsNextPage(t *testing.T) {
	edges, pageInfo := buildConnection(runNodes(9, 8, 7), 2, encodeRunID)

	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if pageInfo.HasNextPage == nil || !*pageInfo.HasNextPage {
		t.Fatalf("expected hasNextPage true, got %+v", pageInfo.HasNextPage)
	}
	if edges[0].Node.ID != 9 || edges[1].Node.ID != 8 {
		t.Fatalf("expected rows 9,8 kept in order, got %d,%d", edges[0].Node.ID, edges[1].Node.ID)
	}
	if pageInfo.EndCursor != edges[1].Cursor {
		t.Fatalf("end cursor should point at the last kept edge")
	}
}

func TestBuildConnection_ExactFitHasNoNextPage(t *testing.T) {
	edges, pageInfo := buildConnection(runNodes(3, 2), 2, encodeRunID)

	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if pageInfo.HasNextPage == nil || *pageInfo.HasNextPage {
		t.Fatalf("expected hasNextPage false, got %+v", pageInfo.HasNextPage)
	}
	if pageInfo.StartCursor != edges[0].Cursor || pageInfo.EndCursor != edges[1].Cursor {
		t.Fatalf("page info cursors should bracket the edges")
	}
}

func TestBuildConnection_EmptyPage(t *testing.T) {
	edges, pageInfo := buildConnection(nil, 5, encodeRunID)

	if len(edges) != 0 {
		t.Fatalf("expected no edges, got %d", len(edges))
	}
	if pageInfo.StartCursor != "" || pageInfo.EndCursor != "" {
		t.Fatalf("empty page should carry empty cursors")
	}
	if pageInfo.HasNextPage == nil || *pageInfo.HasNextPage {
		t.Fatalf("empty page should report hasNextPage false")
	}
}

// A tampered or truncated cursor falls back to paging from the start
// instead of erroring the listing.
func TestDecodeCompositeCursor_MalformedFallsBackToStart(t *testing.T) {
	for _, raw := range []string{"not-base64!", EncodeCursor("no-separator"), EncodeCompositeCursor("2026-01-01", 7) + "x"} {
		cursor := raw
		value, id := DecodeCompositeCursor(&cursor)
		if value != "" || id != 0 {
			t.Fatalf("cursor %q should decode to the zero cursor, got (%q,%d)", raw, value, id)
		}
	}

	good := EncodeCompositeCursor("2026-01-01 10:00:00", 42)
	value, id := DecodeCompositeCursor(&good)
	if value != "2026-01-01 10:00:00" || id != 42 {
		t.Fatalf("well-formed cursor should round trip, got (%q,%d)", value, id)
	}
}
