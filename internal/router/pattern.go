// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package router

import (
	"errors"
	"fmt"
	"strings"
)

// Syntax selects the wildcard dialect of a topic pattern.
type Syntax int

const (
	// SyntaxMQTT uses "/" separators, "+" for one level and a trailing "#"
	// for any number of levels, including none.
	SyntaxMQTT Syntax = iota
	// SyntaxNATS uses "." separators, "*" for one token and a trailing ">"
	// for one or more tokens.
	SyntaxNATS
)

func (s Syntax) String() string {
	if s == SyntaxNATS {
		return "nats"
	}
	return "mqtt"
}

func (s Syntax) tokens() (sep, single, multi string) {
	if s == SyntaxNATS {
		return ".", "*", ">"
	}
	return "/", "+", "#"
}

// ErrInvalidPattern is wrapped by Compile for unusable patterns.
var ErrInvalidPattern = errors.New("invalid topic pattern")

// Pattern is a compiled subscription filter.
type Pattern struct {
	raw    string
	syntax Syntax
	levels []string
}

// Compile parses pattern in the given syntax.
func Compile(syntax Syntax, pattern string) (Pattern, error) {
	if strings.TrimSpace(pattern) == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	sep, single, multi := syntax.tokens()
	levels := strings.Split(pattern, sep)
	for i, level := range levels {
		switch {
		case level == multi:
			if i != len(levels)-1 {
				return Pattern{}, fmt.Errorf("%w: %q: %s must be the last level", ErrInvalidPattern, pattern, multi)
			}
		case level == single:
		case strings.Contains(level, multi) || strings.Contains(level, single):
			return Pattern{}, fmt.Errorf("%w: %q: wildcard must occupy a whole level", ErrInvalidPattern, pattern)
		case syntax == SyntaxNATS && level == "":
			return Pattern{}, fmt.Errorf("%w: %q: empty token", ErrInvalidPattern, pattern)
		}
	}
	return Pattern{raw: pattern, syntax: syntax, levels: levels}, nil
}

// String returns the pattern as configured.
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether topic is covered by the pattern.
func (p Pattern) Match(topic string) bool {
	sep, single, multi := p.syntax.tokens()
	parts := strings.Split(topic, sep)

	for i, level := range p.levels {
		if level == multi {
			if p.syntax == SyntaxNATS {
				return len(parts) > i
			}
			return len(parts) >= i
		}
		if i >= len(parts) {
			return false
		}
		if level != single && level != parts[i] {
			return false
		}
	}
	return len(parts) == len(p.levels)
}
