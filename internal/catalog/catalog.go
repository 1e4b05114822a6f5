// Package catalog はゲームカタログの読み込みと検索を提供する。
//
// カタログは起動時に1回だけ読み込む静的なリストで、以降は変更されない。
// 既定では埋め込みのgames.jsonを使い、設定でローカルファイルまたは
// リモートURLに差し替えられる。
package catalog

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/hitoshi/gamehub/internal/model"
)

// Catalog は読み込み済みのゲーム一覧。読み取り専用で並行アクセスに安全。
type Catalog struct {
	games []model.Game
	byID  map[string]int
}

// New はゲーム一覧からCatalogを生成する。
// IDかタイトルが空のゲーム、重複したIDはエラーになる。
func New(games []model.Game) (*Catalog, error) {
	c := &Catalog{
		games: make([]model.Game, 0, len(games)),
		byID:  make(map[string]int, len(games)),
	}
	for i, g := range games {
		if g.ID == "" || g.Title == "" {
			return nil, fmt.Errorf("catalog entry %d: id and title are required", i)
		}
		if _, dup := c.byID[g.ID]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, g.ID)
		}
		if g.Category == "" {
			g.Category = model.UnknownCategory
		}
		c.byID[g.ID] = len(c.games)
		c.games = append(c.games, g)
	}
	return c, nil
}

// Len はゲーム数を返す。
func (c *Catalog) Len() int {
	return len(c.games)
}

// All は読み込み順のゲーム一覧のコピーを返す。
func (c *Catalog) All() []model.Game {
	return slices.Clone(c.games)
}

// Find はIDでゲームを取得する。
func (c *Catalog) Find(id string) (model.Game, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.Game{}, false
	}
	return c.games[i], true
}

// Categories はカテゴリの一覧を名前順で返す。
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range c.games {
		if _, ok := seen[g.Category]; ok {
			continue
		}
		seen[g.Category] = struct{}{}
		out = append(out, g.Category)
	}
	slices.Sort(out)
	return out
}

// Popular は評価の高い順に上位n件を返す。同点は読み込み順。
func (c *Catalog) Popular(n int) []model.Game {
	games := slices.Clone(c.games)
	slices.SortStableFunc(games, func(a, b model.Game) int {
		return cmp.Compare(b.Ratings, a.Ratings)
	})
	if n >= 0 && n < len(games) {
		games = games[:n]
	}
	return games
}

// Search はフィルタを適用した結果を返す。
func (c *Catalog) Search(f Filter) []model.Game {
	return Apply(c.games, f)
}
