package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hochfrequenz/experiment-orchestrator/internal/agentrunner"
	"github.com/hochfrequenz/experiment-orchestrator/internal/autosave"
	"github.com/hochfrequenz/experiment-orchestrator/internal/config"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/notify"
	"github.com/hochfrequenz/experiment-orchestrator/internal/observer"
	"github.com/hochfrequenz/experiment-orchestrator/internal/questions"
)

// session wires an experiment to the configured runner and background services
type session struct {
	cfg      *config.Config
	exp      *experiment.Experiment[questions.Question, string]
	observer *observer.Observer
	autosave *autosave.Scheduler
	watcher  *observer.DropWatcher
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	exp := experiment.New[questions.Question, string]()

	runner, err := agentrunner.New(cfg.Runner, exp.ID())
	if err != nil {
		return nil, err
	}
	exp.SetLoader(questions.NewLoader(runner, experiment.WithStepTimeout(cfg.General.StepTimeout())))
	exp.SetNotifier(notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook))

	s := &session{
		cfg:      cfg,
		exp:      exp,
		observer: observer.New(10 * cfg.General.StepTimeout()),
	}
	exp.Subscribe(s.observer.Record)

	if cfg.Autosave.Cron != "" {
		path := cfg.Autosave.Path
		if path == "" {
			path = cfg.General.ResultsPath
		}
		s.autosave, err = autosave.New(cfg.Autosave.Cron, path, exp)
		if err != nil {
			return nil, err
		}
		s.autosave.Start()
		log.Printf("autosave to %s, next at %s", path, s.autosave.NextRun().Format("15:04"))
	}

	if cfg.Watch.Dir != "" {
		s.watcher, err = observer.NewDropWatcher(cfg.Watch.Dir, questions.Supported, func(files []string) {
			for _, f := range files {
				if err := exp.LoadFromFile(ctx, f); err != nil {
					log.Printf("loading %s: %v", f, err)
					continue
				}
				log.Printf("loaded %s", f)
			}
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("watching %s: %w", cfg.Watch.Dir, err)
		}
		s.watcher.Start(ctx)
	}

	return s, nil
}

// preload loads each question or results file as its own batch
func (s *session) preload(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := s.exp.LoadFromFile(ctx, p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func (s *session) close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.autosave != nil {
		s.autosave.Stop()
		if err := s.autosave.SaveNow(); err != nil {
			log.Printf("final autosave failed: %v", err)
		}
	}
}
