// Package stt bridges a room's normalized audio to a streaming speech
// recognition engine and surfaces recognized text as an ordered result queue.
package stt

import (
	"context"
	"errors"

	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/domain"
)

var (
	ErrEngineClosed = errors.New("engine closed")
	ErrStopped      = errors.New("bridge stopped")
)

// Engine is an external-feed recognizer. Feed pushes audio, Text returns the
// text recognized since the previous call (empty when nothing new).
// Implementations are driven by a single goroutine.
type Engine interface {
	Feed(ctx context.Context, block audio.PCMBlock) error
	Text(ctx context.Context) (string, error)
	Close() error
}

type EngineFactory func(ctx context.Context, room domain.RoomID) (Engine, error)

// NopEngine accepts audio and never recognizes anything.
type NopEngine struct{}

func (NopEngine) Feed(context.Context, audio.PCMBlock) error { return nil }
func (NopEngine) Text(context.Context) (string, error) { return "", nil }
func (NopEngine) Close() error { return nil }

func NopFactory(context.Context, domain.RoomID) (Engine, error) { return NopEngine{}, nil }

// Observer receives recognition events for process-wide accounting.
type Observer interface {
	RecognitionResult()
	RecognitionError(stage string)
}

const (
	StageInit  = "init"
	StageFeed  = "feed"
	StagePoll  = "poll"
	StageQueue = "queue"
)

type nopObserver struct{}

func (nopObserver) RecognitionResult() {}
func (nopObserver) RecognitionError(string) {}
