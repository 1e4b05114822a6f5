// Package model はドメインモデルを定義する。
package model

import "time"

// UnknownCategory はカテゴリ未設定のゲームに使う既定値。
const UnknownCategory = "Unknown"

// Game はカタログに掲載されるゲームを表す。
// カタログは静的なリストとして起動時に1回だけ読み込まれる。
type Game struct {
	ID          string  `json:"id" yaml:"id"`
	Title       string  `json:"title" yaml:"title"`
	CoverPhoto  string  `json:"coverPhoto" yaml:"coverPhoto"`
	Category    string  `json:"category" yaml:"category"`
	Ratings     float64 `json:"ratings" yaml:"ratings"`
	Description string  `json:"description" yaml:"description"`
	Developer   string  `json:"developer" yaml:"developer"`
}

// InstalledGame はユーザーのライブラリにインストールされたゲームを表す。
// 1ユーザーのライブラリ内でIDは一意。
type InstalledGame struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CoverPhoto  string    `json:"coverPhoto"`
	Category    string    `json:"category"`
	InstalledAt time.Time `json:"installedAt"`
}

// NewInstalledGame はカタログのゲームからインストールエントリを生成する。
// カテゴリが空の場合は "Unknown" を設定する。
func NewInstalledGame(g Game, installedAt time.Time) InstalledGame {
	category := g.Category
	if category == "" {
		category = UnknownCategory
	}
	return InstalledGame{
		ID:          g.ID,
		Title:       g.Title,
		CoverPhoto:  g.CoverPhoto,
		Category:    category,
		InstalledAt: installedAt.UTC(),
	}
}

// LibraryRecord はリモートストア上のユーザーごとのライブラリを表す。
type LibraryRecord struct {
	UserID    string
	Games     []InstalledGame
	UpdatedAt time.Time
}
