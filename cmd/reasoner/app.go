package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/knowledge"
	"github.com/mohammad-safakhou/reasoner/internal/memory"
	"github.com/mohammad-safakhou/reasoner/internal/queue/streams"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/engine"
	"github.com/mohammad-safakhou/reasoner/internal/runtime"
	"github.com/mohammad-safakhou/reasoner/internal/store"
	"github.com/mohammad-safakhou/reasoner/internal/team"
	"github.com/redis/go-redis/v9"
)

// app holds the process-wide components shared by the commands.
type app struct {
	cfg       *config.Config
	telemetry *runtime.Telemetry
	store     *store.Store
	rdb       *redis.Client
	tailer    *streams.Tailer
	knowledge *knowledge.Index
	memory    *memory.GptsMemory
	team      *team.Team
	logger    *log.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, service string) (*app, error) {
	a := &app{cfg: cfg, logger: log.New(log.Writer(), "["+service+"] ", log.LstdFlags)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "reasoner-" + service, ServiceVersion: "dev"})
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	a.telemetry = tel

	var (
		msgStore  core.MessageMemory
		planStore core.PlansMemory
	)
	if cfg.Storage.Postgres.Enabled() {
		st, err := store.New(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		a.store = st
		msgStore, planStore = st.Messages(), st.Plans()
	} else {
		a.logger.Printf("postgres not configured; conversations are kept in memory only")
	}

	memOpts := []memory.Option{memory.WithLogger(log.New(log.Writer(), "[MEMORY] ", log.LstdFlags))}
	if cfg.Storage.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		if cfg.Memory.StreamEnabled {
			reg, err := streams.NewBaseRegistry()
			if err != nil {
				return nil, err
			}
			mirror := streams.NewMirror(a.rdb, reg, cfg.Memory.StreamPrefix, cfg.Memory.StreamMaxLen,
				streams.WithRetention(cfg.Server.StreamRetention))
			memOpts = append(memOpts, memory.WithMirror(mirror))
			a.tailer = streams.NewTailer(a.rdb, reg, cfg.Memory.StreamPrefix)
		}
	}
	a.memory = memory.New(msgStore, planStore, memOpts...)

	kb, err := knowledge.Load(cfg.Knowledge)
	if err != nil {
		return nil, err
	}
	a.knowledge = kb

	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	pack, err := runtime.BuildToolPack(cfg, nil)
	if err != nil {
		return nil, err
	}
	spec, err := team.LoadSpec(cfg.Agent.TeamFile)
	if err != nil {
		return nil, err
	}
	for i := range spec.Agents {
		if spec.Agents[i].Model == "" {
			spec.Agents[i].Model = cfg.LLM.Routing.Reasoning
		}
	}
	engines := engine.NewRegistry()
	if err := engines.Register(engine.NewDefault(nil, nil)); err != nil {
		return nil, err
	}
	t, err := team.Build(spec, team.Deps{
		LLM:       llm,
		Engines:   engines,
		Memory:    a.memory,
		Tools:     pack,
		Knowledge: kb,
		Loop:      cfg.Agent,
		Language:  cfg.General.Language,
		Retention: cfg.Memory.Retention,
		Logger:    log.New(log.Writer(), "[TEAM] ", log.LstdFlags),
	})
	if err != nil {
		return nil, err
	}
	a.team = t
	ok = true
	return a, nil
}

func (a *app) close() {
	if a.knowledge != nil {
		_ = a.knowledge.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.telemetry.Shutdown(shutdownCtx)
	}
}
