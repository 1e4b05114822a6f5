package catalog

import (
	"cmp"
	"slices"
	"strings"

	"github.com/hitoshi/gamehub/internal/model"
)

// SortKey は検索結果の並び順。
type SortKey string

const (
	// SortNone は読み込み順のまま並べる。
	SortNone       SortKey = ""
	SortRatingDesc SortKey = "rating-desc"
	SortRatingAsc  SortKey = "rating-asc"
	SortTitleAsc   SortKey = "title-asc"
	SortTitleDesc  SortKey = "title-desc"
)

// DefaultSort は並び順の指定がない場合の既定値。
const DefaultSort = SortRatingDesc

// ParseSort は文字列をSortKeyに変換する。空文字列はDefaultSortになる。
func ParseSort(s string) (SortKey, error) {
	switch key := SortKey(strings.ToLower(strings.TrimSpace(s))); key {
	case SortNone:
		return DefaultSort, nil
	case SortRatingDesc, SortRatingAsc, SortTitleAsc, SortTitleDesc:
		return key, nil
	default:
		return "", model.NewInvalidSortError(s)
	}
}

// Filter は検索条件。
type Filter struct {
	// Query はタイトルの部分一致（大文字小文字を区別しない）。空なら全件。
	Query string `json:"query"`
	// Category はカテゴリの完全一致。空なら全件。
	Category string `json:"category"`
	// Sort は並び順。SortNoneなら読み込み順。
	Sort SortKey `json:"sort"`
}

// Apply はクエリとカテゴリで絞り込んだ後、安定ソートで並べ替えた新しいスライスを返す。
// 入力のスライスは変更しない。
func Apply(games []model.Game, f Filter) []model.Game {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	category := strings.TrimSpace(f.Category)

	out := make([]model.Game, 0, len(games))
	for _, g := range games {
		if q != "" && !strings.Contains(strings.ToLower(g.Title), q) {
			continue
		}
		if category != "" && g.Category != category {
			continue
		}
		out = append(out, g)
	}

	if less := compareFunc(f.Sort); less != nil {
		slices.SortStableFunc(out, less)
	}
	return out
}

func compareFunc(key SortKey) func(a, b model.Game) int {
	switch key {
	case SortRatingDesc:
		return func(a, b model.Game) int { return cmp.Compare(b.Ratings, a.Ratings) }
	case SortRatingAsc:
		return func(a, b model.Game) int { return cmp.Compare(a.Ratings, b.Ratings) }
	case SortTitleAsc:
		return func(a, b model.Game) int { return strings.Compare(a.Title, b.Title) }
	case SortTitleDesc:
		return func(a, b model.Game) int { return strings.Compare(b.Title, a.Title) }
	default:
		return nil
	}
}
