// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package scanner

import (
	"context"
	"log/slog"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Guard applies a per-stage Mode to scan results. A nil *Guard passes
// everything through.
type Guard struct {
	scanner Scanner
	modes   map[Stage]Mode
	log     *slog.Logger
}

// NewGuard builds a Guard. Stages missing from modes are flagged only.
func NewGuard(s Scanner, modes map[Stage]Mode, log *slog.Logger) (*Guard, error) {
	if s == nil {
		return nil, pserr.New(pserr.CodeSecurityScannerFailure, "scanner is required")
	}
	for stage, mode := range modes {
		if !stage.Valid() || !mode.Valid() {
			return nil, pserr.Errorf(pserr.CodeSecurityScannerFailure, "invalid mode %q for stage %q", mode, stage)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{scanner: s, modes: modes, log: log}, nil
}

// NewDefaultGuard builds a Guard over DefaultRules.
func NewDefaultGuard(input, tool Mode, log *slog.Logger) (*Guard, error) {
	s, err := NewRegexScanner(DefaultRules())
	if err != nil {
		return nil, err
	}
	return NewGuard(s, map[Stage]Mode{StageInput: input, StageTool: tool}, log)
}

// Mode returns the mode applied at stage.
func (g *Guard) Mode(stage Stage) Mode {
	if m, ok := g.modes[stage]; ok {
		return m
	}
	return ModeFlag
}

// Check scans text and returns the text to use in its place. Detections are
// logged with attrs.
func (g *Guard) Check(ctx context.Context, stage Stage, text string, attrs ...any) (string, error) {
	if g == nil || text == "" {
		return text, nil
	}

	res, err := g.scanner.Scan(ctx, text, stage)
	if err != nil {
		return "", pserr.Wrap(err, pserr.CodeSecurityScannerFailure, "scanning content")
	}
	if !res.Threat {
		return text, nil
	}

	mode := g.Mode(stage)
	g.log.WarnContext(ctx, "security scanner detection",
		append([]any{"stage", stage, "mode", mode, "rules", res.Rules(), "matches", len(res.Matches)}, attrs...)...)
	return ApplyMode(mode, text, res)
}

// CheckPayload applies Check to every string inside payload, descending into
// maps and slices. The input is not modified.
func (g *Guard) CheckPayload(ctx context.Context, stage Stage, payload map[string]any, attrs ...any) (map[string]any, error) {
	if g == nil || payload == nil {
		return payload, nil
	}
	out, err := g.checkValue(ctx, stage, payload, attrs)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (g *Guard) checkValue(ctx context.Context, stage Stage, v any, attrs []any) (any, error) {
	switch val := v.(type) {
	case string:
		return g.Check(ctx, stage, val, attrs...)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			checked, err := g.checkValue(ctx, stage, item, attrs)
			if err != nil {
				return nil, err
			}
			out[k] = checked
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			checked, err := g.checkValue(ctx, stage, item, attrs)
			if err != nil {
				return nil, err
			}
			out[i] = checked
		}
		return out, nil
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			checked, err := g.Check(ctx, stage, item, attrs...)
			if err != nil {
				return nil, err
			}
			out[i] = checked
		}
		return out, nil
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			checked, err := g.checkValue(ctx, stage, item, attrs)
			if err != nil {
				return nil, err
			}
			out[i], _ = checked.(map[string]any)
		}
		return out, nil
	default:
		return v, nil
	}
}
