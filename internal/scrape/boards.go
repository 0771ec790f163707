package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/steveyegge/ritual/internal/chanapi"
	"github.com/steveyegge/ritual/internal/fetch"
)

// ArchiveSupport reports which boards the remote keeps an archive for. The
// boards endpoint is consulted once and cached to disk; a stale capability
// list only delays archive classification, it never corrupts it.
func ArchiveSupport(ctx context.Context, env *Env) (map[string]bool, error) {
	cachePath := filepath.Join(env.Cfg.CacheDir, "boards.json")

	var resp chanapi.BoardsResponse
	if data, err := os.ReadFile(cachePath); err == nil {
		if err := json.Unmarshal(data, &resp); err == nil && len(resp.Boards) > 0 {
			env.Log.Info("Loaded boards capability list", "path", cachePath)
			return supportSet(&resp), nil
		}
	}

	status, err := env.Client.JSON(ctx, env.Cfg.Endpoints.BoardsURL(), &resp)
	if err != nil {
		return nil, err
	}
	if status != fetch.Fresh || len(resp.Boards) == 0 {
		return nil, fmt.Errorf("boards endpoint yielded no data")
	}

	if err := os.MkdirAll(env.Cfg.CacheDir, 0o775); err == nil {
		if data, err := json.Marshal(&resp); err == nil {
			_ = os.WriteFile(cachePath, data, 0o644)
		}
	}

	support := supportSet(&resp)
	env.Log.Info("Boards with archive support", "count", countTrue(support))
	return support, nil
}

func supportSet(resp *chanapi.BoardsResponse) map[string]bool {
	out := make(map[string]bool, len(resp.Boards))
	for _, b := range resp.Boards {
		out[b.Board] = b.IsArchived != 0
	}
	return out
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}
