package runtime

import (
	"fmt"
	"net/http"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/rag"
	"github.com/mohammad-safakhou/researcher/internal/tools/webfetch"
	"github.com/mohammad-safakhou/researcher/internal/tools/websearch"
	"github.com/rs/zerolog"
)

// BuildRegistry registers every tool the configuration enables. The returned func
// releases the local knowledge index.
func BuildRegistry(cfg config.ToolsConfig, log zerolog.Logger) (*tools.Registry, func(), error) {
	log = log.With().Str("component", "tools").Logger()
	reg := tools.NewRegistry()
	closer := func() {}

	if cfg.SerperAPIKey != "" {
		s := websearch.New(cfg.SerperAPIKey)
		if cfg.SerperEndpoint != "" {
			s.Endpoint = cfg.SerperEndpoint
		}
		if cfg.SearchResults > 0 {
			s.Num = cfg.SearchResults
		}
		reg.Register(s)
	} else {
		log.Warn().Msg("tools.serper_api_key not set; web_search disabled")
	}

	permit := cfg.FetchPolicy.Permits
	reg.Register(webfetch.HTTP{
		Client:   &http.Client{Timeout: cfg.Timeout},
		MaxChars: cfg.FetchMaxChars,
		Permit:   permit,
	})
	if cfg.Browser {
		reg.Register(webfetch.Browser{Timeout: cfg.Timeout, MaxChars: cfg.FetchMaxChars, Permit: permit})
	}

	if cfg.KnowledgeDir != "" {
		idx, err := rag.NewIndex()
		if err != nil {
			return nil, closer, fmt.Errorf("create knowledge index: %w", err)
		}
		n, err := idx.LoadDir(cfg.KnowledgeDir, cfg.ChunkChars)
		if err != nil {
			_ = idx.Close()
			return nil, closer, err
		}
		log.Info().Str("dir", cfg.KnowledgeDir).Int("chunks", n).Msg("knowledge index loaded")
		reg.Register(rag.Hybrid{Index: idx, K: cfg.RAGResults})
		reg.Register(rag.Naive{Index: idx, K: cfg.RAGResults})
		closer = func() { _ = idx.Close() }
	}
	return reg, closer, nil
}

func toolsConfig(cfg config.ToolsConfig) tools.Config {
	return tools.Config{
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		RatePerSecond:  cfg.RatePerSecond,
		Burst:          cfg.Burst,
	}
}
