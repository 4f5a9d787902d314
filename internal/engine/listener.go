package engine

import (
	"github.com/snarg/readalong/internal/events"
	"github.com/snarg/readalong/internal/fault"
	"github.com/snarg/readalong/internal/playback"
	"github.com/snarg/readalong/internal/speech"
	"github.com/snarg/readalong/internal/synchronizer"
)

// Listener receives session notifications. Callbacks run synchronously on
// the goroutine that caused them (scheduler, device or caller) and must not
// call back into the Engine.
type Listener interface {
	OnPlaybackStateChanged(st playback.State)
	OnSyncStateChanged(sample synchronizer.Sample)
	OnTextCursorChanged(index int)
	OnCompletion()
	OnError(kind fault.Kind, message string)
}

// SpeechListener is optionally implemented by listeners that want to know
// about finished generations.
type SpeechListener interface {
	OnSpeechGenerated(meta speech.Metadata)
}

// Funcs adapts plain functions to Listener. Nil fields are skipped.
type Funcs struct {
	PlaybackState func(playback.State)
	SyncState     func(synchronizer.Sample)
	TextCursor    func(int)
	Completion    func()
	Error         func(fault.Kind, string)
	Speech        func(speech.Metadata)
}

func (f Funcs) OnPlaybackStateChanged(st playback.State) {
	if f.PlaybackState != nil {
		f.PlaybackState(st)
	}
}

func (f Funcs) OnSyncStateChanged(s synchronizer.Sample) {
	if f.SyncState != nil {
		f.SyncState(s)
	}
}

func (f Funcs) OnTextCursorChanged(i int) {
	if f.TextCursor != nil {
		f.TextCursor(i)
	}
}

func (f Funcs) OnCompletion() {
	if f.Completion != nil {
		f.Completion()
	}
}

func (f Funcs) OnError(kind fault.Kind, msg string) {
	if f.Error != nil {
		f.Error(kind, msg)
	}
}

func (f Funcs) OnSpeechGenerated(meta speech.Metadata) {
	if f.Speech != nil {
		f.Speech(meta)
	}
}

// BusListener republishes notifications on an event bus under one session.
type BusListener struct {
	Bus     *events.Bus
	Session string
}

type cursorEvent struct {
	Index int `json:"index"`
}

type errorEvent struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

func (b BusListener) OnPlaybackStateChanged(st playback.State) {
	b.Bus.Publish(events.TypePlayback, b.Session, st)
}

func (b BusListener) OnSyncStateChanged(s synchronizer.Sample) {
	b.Bus.Publish(events.TypeSync, b.Session, s)
}

func (b BusListener) OnTextCursorChanged(i int) {
	b.Bus.Publish(events.TypeCursor, b.Session, cursorEvent{Index: i})
}

func (b BusListener) OnCompletion() {
	b.Bus.Publish(events.TypeCompletion, b.Session, struct{}{})
}

func (b BusListener) OnError(kind fault.Kind, msg string) {
	b.Bus.Publish(events.TypeError, b.Session, errorEvent{Kind: kind, Message: msg})
}

func (b BusListener) OnSpeechGenerated(meta speech.Metadata) {
	b.Bus.Publish(events.TypeSpeech, b.Session, meta)
}
