package config

import (
	"fmt"

	"github.com/objectfs/fustor/pkg/ferrors"
)

type sourceSenderPair struct {
	source string
	sender string
}

// ValidateAgentConfig implements spec.md §4.10 for an Agent config: every
// source and sender must carry a non-empty driver and uri, every pipe's
// source and sender must reference an existing entry, and no two pipes may
// share the same (source, sender) pair.
func ValidateAgentConfig(cfg *AgentConfig) error {
	if err := validateSources(cfg.Sources); err != nil {
		return err
	}
	if err := validateSenders(cfg.Senders); err != nil {
		return err
	}

	seen := make(map[sourceSenderPair]string, len(cfg.Pipes))
	for pipeID, pipe := range cfg.Pipes {
		if _, ok := cfg.Sources[pipe.Source]; !ok {
			return ferrors.New(ferrors.CodeSourceNotFound,
				fmt.Sprintf("pipe %q references unknown source %q", pipeID, pipe.Source)).
				WithComponent("config").WithContext("pipe_id", pipeID)
		}
		if _, ok := cfg.Senders[pipe.Sender]; !ok {
			return ferrors.New(ferrors.CodeSenderNotFound,
				fmt.Sprintf("pipe %q references unknown sender %q", pipeID, pipe.Sender)).
				WithComponent("config").WithContext("pipe_id", pipeID)
		}
		pair := sourceSenderPair{source: pipe.Source, sender: pipe.Sender}
		if otherPipeID, dup := seen[pair]; dup {
			return ferrors.New(ferrors.CodeConfigRedundantPair,
				fmt.Sprintf("pipes %q and %q both use (source=%q, sender=%q)", otherPipeID, pipeID, pipe.Source, pipe.Sender)).
				WithComponent("config")
		}
		seen[pair] = pipeID
	}
	return nil
}

// ValidateFusionConfig implements the same rule set for a Fusion config,
// plus checking each pipe's view reference.
func ValidateFusionConfig(cfg *FusionConfig) error {
	if err := validateSources(cfg.Sources); err != nil {
		return err
	}
	if err := validateSenders(cfg.Senders); err != nil {
		return err
	}

	seen := make(map[sourceSenderPair]string, len(cfg.Pipes))
	for pipeID, pipe := range cfg.Pipes {
		if _, ok := cfg.Sources[pipe.Source]; !ok {
			return ferrors.New(ferrors.CodeSourceNotFound,
				fmt.Sprintf("pipe %q references unknown source %q", pipeID, pipe.Source)).
				WithComponent("config").WithContext("pipe_id", pipeID)
		}
		if _, ok := cfg.Senders[pipe.Sender]; !ok {
			return ferrors.New(ferrors.CodeSenderNotFound,
				fmt.Sprintf("pipe %q references unknown sender %q", pipeID, pipe.Sender)).
				WithComponent("config").WithContext("pipe_id", pipeID)
		}
		if pipe.View != "" {
			if _, ok := cfg.Views[pipe.View]; !ok {
				return ferrors.New(ferrors.CodeViewNotFound,
					fmt.Sprintf("pipe %q references unknown view %q", pipeID, pipe.View)).
					WithComponent("config").WithContext("pipe_id", pipeID)
			}
		}
		pair := sourceSenderPair{source: pipe.Source, sender: pipe.Sender}
		if otherPipeID, dup := seen[pair]; dup {
			return ferrors.New(ferrors.CodeConfigRedundantPair,
				fmt.Sprintf("pipes %q and %q both use (source=%q, sender=%q)", otherPipeID, pipeID, pipe.Source, pipe.Sender)).
				WithComponent("config")
		}
		seen[pair] = pipeID
	}
	return nil
}

func validateSources(sources map[string]SourceConfig) error {
	for id, s := range sources {
		if s.Driver == "" {
			return ferrors.New(ferrors.CodeConfigMissingField,
				fmt.Sprintf("source %q missing driver", id)).WithComponent("config")
		}
		if s.URI == "" {
			return ferrors.New(ferrors.CodeConfigMissingField,
				fmt.Sprintf("source %q missing uri", id)).WithComponent("config")
		}
	}
	return nil
}

func validateSenders(senders map[string]SenderConfig) error {
	for id, s := range senders {
		if s.Driver == "" {
			return ferrors.New(ferrors.CodeConfigMissingField,
				fmt.Sprintf("sender %q missing driver", id)).WithComponent("config")
		}
		if s.URI == "" {
			return ferrors.New(ferrors.CodeConfigMissingField,
				fmt.Sprintf("sender %q missing uri", id)).WithComponent("config")
		}
	}
	return nil
}
