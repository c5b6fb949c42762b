package models

import (
	"fmt"

	"github.com/artisanhq/atelier_backend/utils"
	"gorm.io/gorm"
)

// Cursor is satisfied by rows that can name their own page position, the
// ledger, history and order listings all page through it.
type Cursor interface {
	GetCursor() string
}

type Edge[N Cursor] struct {
	Node   *N
	Cursor string
}

// buildConnection turns an over-fetched result set (limit+1 rows) into at
// most limit edges plus the page info. The extra row only signals that a
// next page exists, it is never returned.
func buildConnection[T Cursor](nodes []*T, limit int, encode func(*T) string) ([]Edge[T], *PageInfo) {
	hasNextPage := len(nodes) > limit
	if hasNextPage {
		nodes = nodes[:limit]
	}

	edges := make([]Edge[T], 0, len(nodes))
	for _, node := range nodes {
		edges = append(edges, Edge[T]{Node: node, Cursor: encode(node)})
	}

	if len(edges) == 0 {
		return edges, &PageInfo{HasNextPage: utils.NewFalse()}
	}
	return edges, &PageInfo{
		StartCursor: edges[0].Cursor,
		EndCursor:   edges[len(edges)-1].Cursor,
		HasNextPage: &hasNextPage,
	}
}

// FetchPagePureCursor pages on a single unique column. Fine for monotonic
// ids, use the composite variant for timestamps that can collide.
func FetchPagePureCursor[T Cursor](dbCtx *gorm.DB,
	limit int,
	after *string,
	cursorColumn string,
	cmpOperator string,
) ([]Edge[T], *PageInfo, error) {

	if cmpOperator == ">" {
		dbCtx.Order(cursorColumn)
	} else if cmpOperator == "<" {
		dbCtx.Order(cursorColumn + " DESC")
	}

	decodedCursor, err := DecodeCursor(after)
	if err != nil {
		return nil, nil, err
	}
	if decodedCursor != "" {
		dbCtx.Where(cursorColumn+" "+cmpOperator+" ?", decodedCursor)
	}

	nodes := make([]*T, 0)
	dbCtx.Limit(limit + 1)
	if err = dbCtx.Find(&nodes).Error; err != nil {
		return nil, nil, err
	}

	edges, pageInfo := buildConnection(nodes, limit, func(node *T) string {
		return EncodeCursor((*node).GetCursor())
	})
	return edges, pageInfo, nil
}

type CompositeCursor interface {
	Cursor
	Identifier
}

// FetchPageCompositeCursor pages on (cursorColumn, id) so rows sharing a
// sort value, two ledger entries in the same second say, never repeat or
// drop across pages.
func FetchPageCompositeCursor[T CompositeCursor](dbCtx *gorm.DB,
	limit int,
	after *string,
	cursorColumn string,
	cmpOperator string,
) ([]Edge[T], *PageInfo, error) {

	if cmpOperator == ">" {
		dbCtx.Order(cursorColumn + ", id")
	} else if cmpOperator == "<" {
		dbCtx.Order(cursorColumn + " DESC, id DESC")
	}

	decodedCursor, cursorId := DecodeCompositeCursor(after)
	if decodedCursor != "" {
		dbCtx.Where(
			// [1] = column, [2] = operator
			fmt.Sprintf("%[1]s %[2]s ? OR (%[1]s = ? AND id %[2]s ?)", cursorColumn, cmpOperator),
			decodedCursor, decodedCursor, cursorId)
	}

	nodes := make([]*T, 0)
	dbCtx.Limit(limit + 1)
	if err := dbCtx.Find(&nodes).Error; err != nil {
		return nil, nil, err
	}

	edges, pageInfo := buildConnection(nodes, limit, func(node *T) string {
		return EncodeCompositeCursor((*node).GetCursor(), (*node).GetId())
	})
	return edges, pageInfo, nil
}
