package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/model"
)

// defaultPopularLimit はトップページに表示する人気ゲームの件数。
const defaultPopularLimit = 6

// GameHandler はカタログ閲覧のHTTPハンドラー。認証不要。
type GameHandler struct {
	catalog *catalog.Catalog
}

// NewGameHandler はGameHandlerを生成する。
func NewGameHandler(cat *catalog.Catalog) *GameHandler {
	return &GameHandler{catalog: cat}
}

// gameListResponse はゲーム一覧のAPIレスポンス。
type gameListResponse struct {
	Games    []model.Game `json:"games"`
	Total    int          `json:"total"`
	Query    string       `json:"query,omitempty"`
	Category string       `json:"category,omitempty"`
	Sort     string       `json:"sort"`
}

// ListGames は検索条件に一致するゲーム一覧を返す。
// GET /api/games?q=zel&category=RPG&sort=rating-desc
func (h *GameHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sort, err := catalog.ParseSort(q.Get("sort"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	filter := catalog.Filter{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		Sort:     sort,
	}
	games := h.catalog.Search(filter)

	writeJSON(w, http.StatusOK, gameListResponse{
		Games:    games,
		Total:    len(games),
		Query:    filter.Query,
		Category: filter.Category,
		Sort:     string(filter.Sort),
	})
}

// PopularGames は評価の高い順にゲームを返す。
// GET /api/games/popular?limit=6
func (h *GameHandler) PopularGames(w http.ResponseWriter, r *http.Request) {
	limit := defaultPopularLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 100 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limitは1から100の整数で指定してください。"))
			return
		}
		limit = n
	}

	games := h.catalog.Popular(limit)
	writeJSON(w, http.StatusOK, gameListResponse{
		Games: games,
		Total: len(games),
		Sort:  string(catalog.SortRatingDesc),
	})
}

// GetGame はゲーム詳細を返す。
// GET /api/games/{id}
func (h *GameHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	game, ok := h.catalog.Find(id)
	if !ok {
		handleServiceError(w, model.NewGameNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, game)
}

// ListCategories はカタログに含まれるカテゴリ一覧を返す。
// GET /api/categories
func (h *GameHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"categories": h.catalog.Categories(),
	})
}
