package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

func newRunCmd() *cobra.Command {
	var (
		page    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <plugin> <op> [arg]",
		Short: "Invokes one plugin operation and prints the result as JSON",
		Long: `Invokes a plugin directly, bypassing the job queue. The argument is the
query for search, the url for get_manga_page and get_chapter_pages, an
optional page number for latest and trending, and absent for genres.`,
		Example: `  scraperd run site-a search "one piece" --page 2
  scraperd run site-a get_manga_page https://site-a.example/manga/1
  scraperd run site-a genres`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args, page)
			if err != nil {
				return err
			}
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(cmd.Context())) //nolint:errcheck // Close never fails

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := app.Host().Invoke(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "result page for search, latest, and trending")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for the invocation")
	return cmd
}

func buildRequest(args []string, page int) (scraper.Request, error) {
	op, err := scraper.ParseOperation(args[1])
	if err != nil {
		return scraper.Request{}, err
	}
	req := scraper.Request{Plugin: args[0], Op: op, Page: page}
	var arg string
	if len(args) == 3 {
		arg = args[2]
	}
	switch op {
	case scraper.OpSearch:
		req.Query = arg
	case scraper.OpMangaPage, scraper.OpChapterPages:
		req.URL = arg
	case scraper.OpLatest, scraper.OpTrending:
		if arg != "" && page == 0 {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return scraper.Request{}, fmt.Errorf("page must be a number: %w", err)
			}
			req.Page = n
		}
	case scraper.OpGenres:
		if arg != "" {
			return scraper.Request{}, fmt.Errorf("%s takes no argument", op)
		}
	}
	if err := req.Validate(); err != nil {
		return scraper.Request{}, err
	}
	return req, nil
}
