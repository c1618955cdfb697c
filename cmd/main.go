package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"study-rag/internal/config"
	"study-rag/internal/helper"
	"study-rag/internal/service"
)

const configFilePath = "./configs/config.yaml"

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "study-rag",
	Short: "Ask questions about your study documents",
	Long: `study-rag indexes PDF, Office, Markdown and text files into a local
vector index and answers questions from them with page-level citations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		helper.SetupLogger(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)
		log.Debug().
			Str("path", cfgPath).
			Str("data_dir", cfg.RAG.DataDir).
			Str("embed_model", cfg.EmbedLLM.Model).
			Str("infer_model", cfg.InferLLM.Model).
			Msg("Loaded config")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", configFilePath, "path to the config file")
}

// withService builds the service for one command and closes it afterwards
func withService(ctx context.Context, fn func(*service.Service) error) error {
	svc, closer, err := service.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing index")
		}
	}()
	return fn(svc)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
