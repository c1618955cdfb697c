package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"study-rag/internal/chromemdb"
	"study-rag/internal/db"
	"study-rag/internal/embedding"
	"study-rag/internal/helper"
	"study-rag/internal/parser"
	"study-rag/internal/rag"
	"study-rag/internal/server"
	"study-rag/internal/service"
)

var (
	ingestReplace bool
	queryBackend  string
	jsonOutput    bool
	clearYes      bool
	clearCache    bool
	chromemFile   string
	exportFormat  string
	exportOut     string
	exportDrop    bool
	serveAddr     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Extract, chunk, embed and index documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Answer a question from the indexed documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List indexed documents and chunk counts",
	Args:  cobra.NoArgs,
	RunE:  runSources,
}

var removeCmd = &cobra.Command{
	Use:   "remove [source]",
	Short: "Remove every chunk of one document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the whole knowledge base",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Copy the index into chromem-go or Postgres (pgvector)",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	ingestCmd.Long = "Supported formats: " + strings.Join(parser.SupportedExtensions(), " ")
	ingestCmd.Flags().BoolVar(&ingestReplace, "replace", false, "replace chunks of documents with the same name")
	queryCmd.Flags().StringVar(&queryBackend, "backend", "local", "index to search: local, chromem or postgres")
	queryCmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	queryCmd.Flags().StringVar(&chromemFile, "from-file", "", "with --backend chromem, search an exported file instead of chromem_path")
	sourcesCmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm deletion")
	clearCmd.Flags().BoolVar(&clearCache, "cache", false, "also empty the embedding cache")
	exportCmd.Flags().StringVar(&exportFormat, "format", "chromem", "target: chromem or postgres")
	exportCmd.Flags().BoolVar(&exportDrop, "recreate", false, "drop the postgres table first (needed after changing embedding_dim)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "chromem export file (default <chromem_path>/<collection>.chromem)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	rootCmd.AddCommand(ingestCmd, queryCmd, sourcesCmd, removeCmd, clearCmd, exportCmd, serveCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	uploads := make([]service.Upload, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		uploads = append(uploads, service.Upload{Name: filepath.Base(path), Data: data})
	}

	return withService(cmd.Context(), func(svc *service.Service) error {
		results := svc.Ingest(cmd.Context(), uploads, service.IngestOptions{ReplaceExisting: ingestReplace})
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				cmd.Printf("  x %s: %v\n", r.Source, r.Err)
				continue
			}
			cmd.Printf("  + %s: %d pages, %d chunks\n", r.Source, r.Pages, r.Chunks)
		}
		if failed == len(results) {
			return errors.New("no documents were indexed")
		}
		return nil
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withService(ctx, func(svc *service.Service) error {
		var (
			resp *service.QueryResponse
			err  error
		)
		switch queryBackend {
		case "local":
			resp, err = svc.Query(ctx, args[0])
		case "chromem":
			var m *chromemdb.VectorDBManager
			if chromemFile != "" {
				m, err = importChromem(chromemFile)
			} else {
				m, err = openChromem()
			}
			if err == nil {
				resp, err = svc.QueryMirror(ctx, m, args[0])
			}
		case "postgres":
			var m *db.Mirror
			m, err = openPostgres()
			if err == nil {
				defer m.Close()
				resp, err = svc.QueryMirror(ctx, m, args[0])
			}
		default:
			return fmt.Errorf("unknown backend %q", queryBackend)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			helper.PrettyPrint(cmd.OutOrStdout(), resp)
			return nil
		}
		printAnswer(cmd, args[0], resp)
		return nil
	})
}

func printAnswer(cmd *cobra.Command, question string, resp *service.QueryResponse) {
	cmd.Printf("Question: %s\n\n", question)
	cmd.Printf("%s\n\n", resp.Answer)
	if resp.ContextFree {
		cmd.Println("(no matching context in the knowledge base)")
		return
	}
	cmd.Println("Sources:")
	for i, c := range resp.Citations {
		cmd.Printf("  [%d] %s, page %s\n", i+1, c.SourceName, rag.PageLabel(c.PageNumber))
		cmd.Printf("      %s\n", c.Snippet)
	}
}

func runSources(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(svc *service.Service) error {
		stats := svc.Stats()
		if jsonOutput {
			helper.PrettyPrint(cmd.OutOrStdout(), stats)
			return nil
		}
		if stats.TotalChunks == 0 {
			cmd.Println("Knowledge base is empty.")
			return nil
		}
		cmd.Printf("%d chunks (%d dims, %s)\n\n", stats.TotalChunks, stats.Dimension, stats.Distance)
		for _, s := range stats.Sources {
			cmd.Printf("  %s: %d chunks, %d pages\n", s.SourceName, s.Chunks, s.Pages)
		}
		return nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(svc *service.Service) error {
		n, err := svc.RemoveSource(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Removed %d chunks of %s\n", n, args[0])
		return nil
	})
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		return errors.New("refusing to clear without --yes")
	}
	return withService(cmd.Context(), func(svc *service.Service) error {
		if err := svc.Clear(); err != nil {
			return err
		}
		cmd.Println("Knowledge base cleared.")
		if !clearCache {
			return nil
		}
		if !cfg.Cache.Enabled {
			cmd.Println("Embedding cache is disabled, nothing else to clear.")
			return nil
		}
		client, err := embedding.NewRedisClient(cmd.Context(), &cfg.Cache)
		if err != nil {
			return fmt.Errorf("failed to connect to embedding cache: %w", err)
		}
		defer client.Close()
		n, err := embedding.NewCachedEmbedder(nil, client, 0, cfg.Cache.KeyPrefix).ClearCache(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Removed %d cached embeddings.\n", n)
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withService(ctx, func(svc *service.Service) error {
		switch exportFormat {
		case "chromem":
			m, err := openChromem()
			if err != nil {
				return err
			}
			n, err := svc.SyncMirror(ctx, m)
			if err != nil {
				return err
			}
			if err := m.Export(exportOut); err != nil {
				return err
			}
			cmd.Printf("Exported %d chunks to chromem collection %q\n", n, cfg.RAG.Collection)
		case "postgres":
			m, err := openPostgres()
			if err != nil {
				return err
			}
			defer m.Close()
			if exportDrop {
				if err := m.Drop(ctx); err != nil {
					return err
				}
			}
			n, err := svc.SyncMirror(ctx, m)
			if err != nil {
				return err
			}
			cmd.Printf("Exported %d chunks to postgres\n", n)
		default:
			return fmt.Errorf("unknown export format %q", exportFormat)
		}
		return nil
	})
}

func openChromem() (*chromemdb.VectorDBManager, error) {
	if err := helper.CreateFolder(cfg.RAG.ChromemPath); err != nil {
		return nil, err
	}
	return chromemdb.NewVectorDBManager(cfg.RAG.ChromemPath, cfg.RAG.Collection, false, cfg.RAG.EncryptionKey)
}

// importChromem loads an exported (possibly encrypted) collection into memory
func importChromem(path string) (*chromemdb.VectorDBManager, error) {
	m, err := chromemdb.NewVectorDBManager("", cfg.RAG.Collection, true, cfg.RAG.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if err := m.Import(path); err != nil {
		return nil, err
	}
	return m, nil
}

func openPostgres() (*db.Mirror, error) {
	sqldb, err := db.ConnectDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	return db.NewMirror(db.NewDB(sqldb, cfg.Database.Debug), cfg.RAG.EmbeddingDim), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	return withService(ctx, func(svc *service.Service) error {
		log.Info().Int("chunks", svc.Stats().TotalChunks).Msg("Knowledge base loaded")
		return server.New(svc, cfg.RAG.MaxUploadSize).Run(ctx, addr)
	})
}
