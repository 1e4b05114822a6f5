package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/gamehub/internal/catalog"
	"github.com/hitoshi/gamehub/internal/model"
	"github.com/hitoshi/gamehub/internal/security"
)

// catalogOptions はcatalogサブコマンドのフラグ。
type catalogOptions struct {
	query    string
	category string
	sort     string
	limit    int
	popular  bool
	path     string
	url      string
	format   string
	timeout  time.Duration
}

type catalogOutput struct {
	Games []model.Game `json:"games" yaml:"games"`
	Total int          `json:"total" yaml:"total"`
}

func parseCatalogFlags(w io.Writer, args []string) (*catalogOptions, error) {
	opts := &catalogOptions{}
	fs := pflag.NewFlagSet("catalog", pflag.ContinueOnError)
	fs.SetOutput(w)
	fs.StringVarP(&opts.query, "query", "q", "", "タイトルの部分一致で絞り込む")
	fs.StringVarP(&opts.category, "category", "c", "", "カテゴリの完全一致で絞り込む")
	fs.StringVarP(&opts.sort, "sort", "s", string(catalog.DefaultSort), "rating-desc, rating-asc, title-asc, title-desc")
	fs.IntVarP(&opts.limit, "limit", "n", 0, "出力件数の上限（0は無制限）")
	fs.BoolVar(&opts.popular, "popular", false, "評価順の上位だけを出力する")
	fs.StringVar(&opts.path, "path", "", "カタログファイル（JSONまたはYAML）")
	fs.StringVar(&opts.url, "url", "", "カタログのURL")
	fs.StringVarP(&opts.format, "format", "o", "json", "出力形式: json または yaml")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "URL取得のタイムアウト")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.limit < 0 {
		return nil, fmt.Errorf("--limit must not be negative: %d", opts.limit)
	}
	if opts.format != "json" && opts.format != "yaml" {
		return nil, fmt.Errorf("unsupported --format: %q", opts.format)
	}
	return opts, nil
}

// runCatalog はカタログを読み込み、検索結果をwに書き出す。
// argsはサブコマンド名を除いた引数。
func runCatalog(ctx context.Context, w io.Writer, args []string) error {
	opts, err := parseCatalogFlags(w, args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	src := catalog.Source{
		Path:      opts.path,
		URL:       opts.url,
		Sanitizer: security.NewContentSanitizer(),
	}
	if opts.url != "" {
		src.Client = security.NewSSRFGuard().NewSafeClient(opts.timeout)
	}
	cat, err := catalog.Load(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	var games []model.Game
	if opts.popular {
		n := opts.limit
		if n == 0 {
			n = 6
		}
		games = cat.Popular(n)
	} else {
		key, err := catalog.ParseSort(opts.sort)
		if err != nil {
			return err
		}
		games = cat.Search(catalog.Filter{Query: opts.query, Category: opts.category, Sort: key})
		if opts.limit > 0 && len(games) > opts.limit {
			games = games[:opts.limit]
		}
	}

	out := catalogOutput{Games: games, Total: len(games)}
	if out.Games == nil {
		out.Games = []model.Game{}
	}

	switch opts.format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}
