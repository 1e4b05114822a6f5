package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/gamehub/internal/model"
)

//go:embed games.json
var defaultGames []byte

// maxCatalogSize はリモートカタログの最大サイズ（4MB）。
const maxCatalogSize = 4 << 20

// Format はカタログファイルの形式。
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DescriptionSanitizer は説明文のHTMLを無害化する。
// security.ContentSanitizerServiceが実装する。
type DescriptionSanitizer interface {
	SanitizeDescription(rawHTML string) string
}

// Source はカタログの読み込み元。
// URLとPathが両方空なら埋め込みのカタログを使う。URLが優先される。
type Source struct {
	Path string
	URL  string
	// Client はURLの取得に使う。SSRF対策済みのクライアントを渡す。
	Client    *http.Client
	Sanitizer DescriptionSanitizer
}

// Load はカタログを読み込む。
func Load(ctx context.Context, src Source) (*Catalog, error) {
	var (
		data   []byte
		format = FormatJSON
		err    error
	)

	switch {
	case src.URL != "":
		data, format, err = fetch(ctx, src.Client, src.URL)
		if err != nil {
			return nil, err
		}
	case src.Path != "":
		data, err = os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog file: %w", err)
		}
		format = formatFromPath(src.Path)
	default:
		data = defaultGames
	}

	games, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if src.Sanitizer != nil {
		for i := range games {
			games[i].Description = src.Sanitizer.SanitizeDescription(games[i].Description)
		}
	}
	return New(games)
}

// Parse はJSONまたはYAMLのゲーム一覧を解析する。
// idとratingsは数値と文字列のどちらでも受け付ける。
func Parse(data []byte, format Format) ([]model.Game, error) {
	var raw []rawGame
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse catalog yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse catalog json: %w", err)
		}
	}

	games := make([]model.Game, 0, len(raw))
	for _, r := range raw {
		games = append(games, model.Game{
			ID:          strings.TrimSpace(string(r.ID)),
			Title:       strings.TrimSpace(r.Title),
			CoverPhoto:  r.CoverPhoto,
			Category:    strings.TrimSpace(r.Category),
			Ratings:     float64(r.Ratings),
			Description: r.Description,
			Developer:   r.Developer,
		})
	}
	return games, nil
}

func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, Format, error) {
	if client == nil {
		return nil, "", fmt.Errorf("catalog url %q requires an http client", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch catalog: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read catalog body: %w", err)
	}
	if len(data) > maxCatalogSize {
		return nil, "", fmt.Errorf("catalog exceeds %d bytes", maxCatalogSize)
	}

	format := formatFromPath(req.URL.Path)
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.Contains(mediaType, "yaml") {
		format = FormatYAML
	}
	return data, format, nil
}

func formatFromPath(p string) Format {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type rawGame struct {
	ID          flexString `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	CoverPhoto  string     `json:"coverPhoto" yaml:"coverPhoto"`
	Category    string     `json:"category" yaml:"category"`
	Ratings     flexFloat  `json:"ratings" yaml:"ratings"`
	Description string     `json:"description" yaml:"description"`
	Developer   string     `json:"developer" yaml:"developer"`
}

// flexString は数値または文字列のIDを文字列として読む。
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*s = flexString(n.String())
	return nil
}

func (s *flexString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: id must be a scalar", node.Line)
	}
	*s = flexString(node.Value)
	return nil
}

// flexFloat は数値または数値文字列の評価を読む。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid ratings %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

func (f *flexFloat) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: ratings must be a scalar", node.Line)
	}
	if node.Value == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(node.Value, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid ratings %q: %w", node.Line, node.Value, err)
	}
	*f = flexFloat(v)
	return nil
}
