package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"anamnesis-pipeline-go/internal/audio"
	"anamnesis-pipeline-go/internal/config"
	"anamnesis-pipeline-go/internal/extractor"
	"anamnesis-pipeline-go/internal/httpretry"
	"anamnesis-pipeline-go/internal/jobs"
	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/pipeline"
	"anamnesis-pipeline-go/internal/storage"
	"anamnesis-pipeline-go/internal/store"
	"anamnesis-pipeline-go/internal/transcription"
)

// app is the wired service graph shared by the commands.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *gorm.DB
	files   *storage.Disk
	tracker *jobs.Tracker
	orch    *pipeline.Orchestrator
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// newApp opens the database and builds the pipeline. Tables are migrated
// when migrate is set.
func newApp(cmd *cobra.Command, migrate bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := store.AutoMigrate(db); err != nil {
			return nil, err
		}
	}

	files := storage.NewDisk(cfg.Storage.Root)
	tracker := jobs.NewTracker(db, files, log)

	completer, err := newCompleter(cfg, log)
	if err != nil {
		return nil, err
	}

	seg := audio.NewSegmenter(audio.Config{
		FFmpegPath:        cfg.Audio.FFmpegPath,
		FFprobePath:       cfg.Audio.FFprobePath,
		Bitrate:           cfg.Audio.Bitrate,
		SilenceThreshold:  cfg.Audio.SilenceThreshold,
		SilenceDuration:   cfg.Audio.SilenceDuration,
		MinInterval:       cfg.Audio.SplitMinInterval,
		MaxSegmentSeconds: cfg.Audio.MaxSegmentSeconds,
		ForceSplit:        cfg.Audio.ForceSplit,
		Debug:             cfg.Audio.DebugLog,
	}, files, log)

	speechHTTP := httpretry.New(cfg.AI.TranscribeTimeout, cfg.AI.ConnectTimeout, retryPolicy(cfg), log.Component("speech-http").Entry)
	speech := transcription.New(transcription.Config{
		BaseURL:  cfg.AI.BaseURL,
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.TranscribeModel,
		Language: cfg.AI.Language,
	}, speechHTTP, files, log)

	extract := extractor.New(completer, extractor.Config{
		MaxTranscriptWords: cfg.AI.MaxTranscriptWords,
		ChatTimeout:        cfg.AI.ChatTimeout,
		ExtractionTimeout:  cfg.AI.ExtractionTimeout,
	}, log)

	return &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		files:   files,
		tracker: tracker,
		orch:    pipeline.New(db, tracker, seg, speech, extract, log),
	}, nil
}

func retryPolicy(cfg *config.Config) httpretry.Policy {
	return httpretry.Policy{Tries: cfg.AI.Tries, Backoff: cfg.AI.Backoff}
}

// newCompleter picks the chat backend. The gateway speaks the
// OpenAI-compatible wire format directly; the other providers go through
// langchaingo.
func newCompleter(cfg *config.Config, log *logger.Logger) (extractor.Completer, error) {
	if cfg.AI.Provider == config.ProviderGateway {
		// per-call deadlines come from the extractor's context
		chatHTTP := httpretry.New(0, cfg.AI.ConnectTimeout, retryPolicy(cfg), log.Component("chat-http").Entry)
		return &extractor.GatewayCompleter{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.CompletionModel,
			HTTP:    chatHTTP,
		}, nil
	}
	c, err := extractor.NewLangchainCompleter(extractor.LangchainConfig{
		Provider:   cfg.AI.Provider,
		Model:      cfg.AI.CompletionModel,
		APIKey:     cfg.AI.APIKey,
		BaseURL:    cfg.AI.BaseURL,
		OllamaHost: cfg.AI.OllamaHost,
	})
	if err != nil {
		return nil, fmt.Errorf("completion provider: %w", err)
	}
	return c, nil
}
