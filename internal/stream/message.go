package stream

import (
	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/library"
)

// メッセージ種別
const (
	TypeSnapshot     = "snapshot"
	TypeNotification = "notification"
	TypeResults      = "results"
	TypeSignedOut    = "signed_out"
	TypeError        = "error"
	TypeSearch       = "search"
)

// Message はサーバーからクライアントへのメッセージ。
type Message struct {
	Type         string                `json:"type"`
	Snapshot     *library.Snapshot     `json:"snapshot,omitempty"`
	Notification *library.Notification `json:"notification,omitempty"`
	Results      *catalog.Result       `json:"results,omitempty"`
	Error        *ErrorBody            `json:"error,omitempty"`
}

// ErrorBody はクライアントのメッセージが不正な場合のエラー。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientMessage はクライアントからサーバーへのメッセージ。
type ClientMessage struct {
	Type     string `json:"type"`
	Query    string `json:"query"`
	Category string `json:"category"`
	Sort     string `json:"sort"`
}
